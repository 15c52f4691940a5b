// Package config loads typed configuration structs from the environment.
//
// A .env file in the working directory is read once (missing files are
// ignored) before the struct is parsed with caarlos0/env tags.
package config
