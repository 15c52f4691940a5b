package email

import "github.com/mrz1836/postmark"

func NewPostmarkSenderWithClient(client *postmark.Client, cfg Config) *PostmarkSender {
	return newPostmarkSender(client, cfg)
}
