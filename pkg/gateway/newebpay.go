package gateway

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	newebpayStageHost = "https://ccore.newebpay.com"
	newebpayProdHost  = "https://core.newebpay.com"

	newebpayCheckoutPath = "/MPG/mpg_gateway"
	newebpayQueryPath    = "/API/QueryTradeInfo"
	newebpayClosePath    = "/API/CreditCard/Close"

	newebpayTimeLayout = "2006-01-02 15:04:05"
	newebpayMPGVersion = "2.0"
)

type NewebPayConfig struct {
	MerchantID string `env:"NEWEBPAY_MERCHANT_ID"`
	// HashKey is the 32-byte AES-256 key, HashIV the 16-byte CBC IV.
	HashKey   string `env:"NEWEBPAY_HASH_KEY"`
	HashIV    string `env:"NEWEBPAY_HASH_IV"`
	Sandbox   bool   `env:"NEWEBPAY_SANDBOX" envDefault:"true"`
	NotifyURL string `env:"NEWEBPAY_NOTIFY_URL"`
	BaseURL   string `env:"NEWEBPAY_BASE_URL"`
}

func (c NewebPayConfig) enabled() bool {
	return c.MerchantID != "" || c.HashKey != "" || c.HashIV != ""
}

func (c NewebPayConfig) validate() error {
	if c.MerchantID == "" || c.HashKey == "" || c.HashIV == "" || c.NotifyURL == "" {
		return fmt.Errorf("%w: newebpay requires merchant id, hash key, hash iv and notify url", ErrMissingCredentials)
	}
	if len(c.HashKey) != 32 || len(c.HashIV) != aes.BlockSize {
		return fmt.Errorf("%w: newebpay hash key must be 32 bytes and hash iv 16 bytes", ErrMissingCredentials)
	}
	return nil
}

// NewebPay is the AES-encrypted redirect gateway.
type NewebPay struct {
	cfg    NewebPayConfig
	host   string
	block  cipher.Block
	client *http.Client
	now    func() time.Time
}

func NewNewebPay(cfg NewebPayConfig, client *http.Client) (*NewebPay, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher([]byte(cfg.HashKey))
	if err != nil {
		return nil, errors.Join(ErrMissingCredentials, err)
	}
	host := cfg.BaseURL
	if host == "" {
		host = newebpayProdHost
		if cfg.Sandbox {
			host = newebpayStageHost
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &NewebPay{cfg: cfg, host: strings.TrimRight(host, "/"), block: block, client: client, now: time.Now}, nil
}

func (g *NewebPay) Provider() Provider { return ProviderNewebPay }

func (g *NewebPay) CreatePayment(_ context.Context, p CreateParams) (CreateResult, error) {
	if p.Amount <= 0 {
		return declined("amount must be positive"), nil
	}
	if p.OrderRef == "" || len(p.OrderRef) > 30 {
		return declined("merchant order number must be 1-30 characters"), nil
	}
	desc := p.Description
	if desc == "" {
		desc = "Subscription"
	}

	trade := url.Values{}
	trade.Set("MerchantID", g.cfg.MerchantID)
	trade.Set("RespondType", "JSON")
	trade.Set("TimeStamp", strconv.FormatInt(g.now().Unix(), 10))
	trade.Set("Version", newebpayMPGVersion)
	trade.Set("MerchantOrderNo", p.OrderRef)
	trade.Set("Amt", strconv.FormatInt(p.Amount, 10))
	trade.Set("ItemDesc", desc)
	trade.Set("NotifyURL", g.cfg.NotifyURL)
	trade.Set("CREDIT", "1")
	if p.Email != "" {
		trade.Set("Email", p.Email)
	}
	if p.ReturnURL != "" {
		trade.Set("ReturnURL", p.ReturnURL)
	}
	if p.BackURL != "" {
		trade.Set("ClientBackURL", p.BackURL)
	}

	tradeInfo := g.EncryptTradeInfo(trade.Encode())
	fields := map[string]string{
		"MerchantID": g.cfg.MerchantID,
		"TradeInfo":  tradeInfo,
		"TradeSha":   NewebPayTradeSha(tradeInfo, g.cfg.HashKey, g.cfg.HashIV),
		"Version":    newebpayMPGVersion,
	}
	return CreateResult{
		Success:       true,
		PaymentURL:    g.host + newebpayCheckoutPath,
		FormData:      fields,
		TransactionID: p.OrderRef,
		Raw:           rawJSON(map[string]string{"MerchantOrderNo": p.OrderRef, "Amt": trade.Get("Amt")}),
	}, nil
}

type newebpayResult struct {
	MerchantID      string      `json:"MerchantID"`
	Amt             json.Number `json:"Amt"`
	TradeNo         string      `json:"TradeNo"`
	MerchantOrderNo string      `json:"MerchantOrderNo"`
	PayTime         string      `json:"PayTime"`
	TradeStatus     string      `json:"TradeStatus"`
	CheckCode       string      `json:"CheckCode"`
}

type newebpayEnvelope struct {
	Status  string          `json:"Status"`
	Message string          `json:"Message"`
	Result  json.RawMessage `json:"Result"`
}

// VerifyCallback checks TradeSha over the ciphertext before decrypting it,
// then requires the decrypted merchant id to match ours.
func (g *NewebPay) VerifyCallback(_ context.Context, cb Callback) (VerifyResult, error) {
	form, err := cb.form()
	if err != nil {
		return VerifyResult{}, err
	}
	tradeInfo, tradeSha := form.Get("TradeInfo"), form.Get("TradeSha")
	if tradeInfo == "" || tradeSha == "" {
		return VerifyResult{}, fmt.Errorf("%w: missing TradeInfo or TradeSha", ErrInvalidSignature)
	}
	want := NewebPayTradeSha(tradeInfo, g.cfg.HashKey, g.cfg.HashIV)
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToUpper(tradeSha))) != 1 {
		return VerifyResult{}, fmt.Errorf("%w: trade sha mismatch", ErrInvalidSignature)
	}

	plain, err := g.DecryptTradeInfo(tradeInfo)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	var env newebpayEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	var result newebpayResult
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
	}
	if result.MerchantID != g.cfg.MerchantID {
		return VerifyResult{}, fmt.Errorf("%w: merchant id mismatch", ErrInvalidSignature)
	}

	res := VerifyResult{
		OrderRef:      result.MerchantOrderNo,
		TransactionID: result.TradeNo,
		Raw:           plain,
	}
	res.Amount, _ = result.Amt.Int64()
	if env.Status == "SUCCESS" {
		res.Success = true
		res.PaidAt = parseTaipei(newebpayTimeLayout, result.PayTime, g.now())
	} else {
		res.ErrorMessage = fmt.Sprintf("newebpay %s: %s", env.Status, env.Message)
	}
	return res, nil
}

// QueryTransaction uses QueryTradeInfo and validates the reply's CheckCode.
func (g *NewebPay) QueryTransaction(ctx context.Context, q QueryParams) (VerifyResult, error) {
	amt := strconv.FormatInt(q.Amount, 10)
	form := url.Values{}
	form.Set("MerchantID", g.cfg.MerchantID)
	form.Set("Version", "1.3")
	form.Set("RespondType", "JSON")
	form.Set("TimeStamp", strconv.FormatInt(g.now().Unix(), 10))
	form.Set("MerchantOrderNo", q.OrderRef)
	form.Set("Amt", amt)
	form.Set("CheckValue", sha256Upper(fmt.Sprintf("IV=%s&Amt=%s&MerchantID=%s&MerchantOrderNo=%s&Key=%s",
		g.cfg.HashIV, amt, g.cfg.MerchantID, q.OrderRef, g.cfg.HashKey)))

	body, err := postForm(ctx, g.client, g.host+newebpayQueryPath, form)
	if err != nil {
		return VerifyResult{}, err
	}
	var env newebpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if env.Status != "SUCCESS" {
		return VerifyResult{ErrorMessage: fmt.Sprintf("newebpay query %s: %s", env.Status, env.Message), Raw: body, Ignored: true}, nil
	}
	var result newebpayResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	check := sha256Upper(fmt.Sprintf("HashIV=%s&Amt=%s&MerchantID=%s&MerchantOrderNo=%s&TradeNo=%s&HashKey=%s",
		g.cfg.HashIV, result.Amt.String(), result.MerchantID, result.MerchantOrderNo, result.TradeNo, g.cfg.HashKey))
	if subtle.ConstantTimeCompare([]byte(check), []byte(strings.ToUpper(result.CheckCode))) != 1 {
		return VerifyResult{}, fmt.Errorf("%w: check code mismatch", ErrInvalidSignature)
	}

	res := VerifyResult{OrderRef: result.MerchantOrderNo, TransactionID: result.TradeNo, Raw: body}
	res.Amount, _ = result.Amt.Int64()
	switch result.TradeStatus {
	case "1":
		res.Success = true
		res.PaidAt = parseTaipei(newebpayTimeLayout, result.PayTime, g.now())
	case "0":
		res.Ignored = true
		res.ErrorMessage = "payment not completed yet"
	default:
		res.ErrorMessage = "newebpay trade status " + result.TradeStatus
	}
	return res, nil
}

// Refund requests a credit card refund (CloseType 2).
func (g *NewebPay) Refund(ctx context.Context, r RefundParams) (RefundResult, error) {
	post := url.Values{}
	post.Set("RespondType", "JSON")
	post.Set("Version", "1.1")
	post.Set("Amt", strconv.FormatInt(r.Amount, 10))
	post.Set("MerchantOrderNo", r.OrderRef)
	post.Set("TimeStamp", strconv.FormatInt(g.now().Unix(), 10))
	post.Set("IndexType", "1")
	post.Set("CloseType", "2")

	form := url.Values{}
	form.Set("MerchantID_", g.cfg.MerchantID)
	form.Set("PostData_", g.EncryptTradeInfo(post.Encode()))

	body, err := postForm(ctx, g.client, g.host+newebpayClosePath, form)
	if err != nil {
		return RefundResult{}, err
	}
	var env newebpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return RefundResult{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if env.Status != "SUCCESS" {
		return RefundResult{ErrorMessage: env.Message, Raw: body}, nil
	}
	var result newebpayResult
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return RefundResult{}, fmt.Errorf("%w: refund result: %v", ErrUnexpectedReply, err)
		}
	}
	if result.MerchantID != "" && result.MerchantID != g.cfg.MerchantID {
		return RefundResult{}, fmt.Errorf("%w: refund for merchant %s", ErrUnexpectedReply, result.MerchantID)
	}
	return RefundResult{Success: true, RefundID: result.TradeNo, Raw: body}, nil
}

func (g *NewebPay) Ack(processed bool) Ack { return jsonAck(processed) }

// EncryptTradeInfo AES-256-CBC encrypts plain with PKCS7 padding and hex encodes it.
func (g *NewebPay) EncryptTradeInfo(plain string) string {
	data := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(g.block, []byte(g.cfg.HashIV)).CryptBlocks(out, data)
	return hex.EncodeToString(out)
}

// DecryptTradeInfo reverses EncryptTradeInfo.
func (g *NewebPay) DecryptTradeInfo(tradeInfo string) ([]byte, error) {
	data, err := hex.DecodeString(tradeInfo)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(g.block, []byte(g.cfg.HashIV)).CryptBlocks(out, data)
	return pkcs7Unpad(out, aes.BlockSize)
}

// NewebPayTradeSha computes TradeSha over the hex ciphertext.
func NewebPayTradeSha(tradeInfo, hashKey, hashIV string) string {
	return sha256Upper("HashKey=" + hashKey + "&" + tradeInfo + "&HashIV=" + hashIV)
}

func sha256Upper(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
