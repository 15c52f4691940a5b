package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	ecpayStageHost = "https://payment-stage.ecpay.com.tw"
	ecpayProdHost  = "https://payment.ecpay.com.tw"

	ecpayCheckoutPath = "/Cashier/AioCheckOut/V5"
	ecpayQueryPath    = "/Cashier/QueryTradeInfo/V5"
	ecpayActionPath   = "/CreditDetail/DoAction"

	ecpayTimeLayout = "2006/01/02 15:04:05"
	ecpayMacField   = "CheckMacValue"
)

type ECPayConfig struct {
	MerchantID string `env:"ECPAY_MERCHANT_ID"`
	HashKey    string `env:"ECPAY_HASH_KEY"`
	HashIV     string `env:"ECPAY_HASH_IV"`
	Sandbox    bool   `env:"ECPAY_SANDBOX" envDefault:"true"`
	// NotifyURL receives the server-to-server payment result (ECPay "ReturnURL").
	NotifyURL     string `env:"ECPAY_NOTIFY_URL"`
	ChoosePayment string `env:"ECPAY_CHOOSE_PAYMENT" envDefault:"Credit"`
	// BaseURL overrides the sandbox/production host.
	BaseURL string `env:"ECPAY_BASE_URL"`
}

func (c ECPayConfig) enabled() bool {
	return c.MerchantID != "" || c.HashKey != "" || c.HashIV != ""
}

func (c ECPayConfig) validate() error {
	if c.MerchantID == "" || c.HashKey == "" || c.HashIV == "" || c.NotifyURL == "" {
		return fmt.Errorf("%w: ecpay requires merchant id, hash key, hash iv and notify url", ErrMissingCredentials)
	}
	return nil
}

// ECPay is the checksum-signed redirect gateway.
type ECPay struct {
	cfg    ECPayConfig
	host   string
	client *http.Client
	now    func() time.Time
}

func NewECPay(cfg ECPayConfig, client *http.Client) (*ECPay, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	host := cfg.BaseURL
	if host == "" {
		host = ecpayProdHost
		if cfg.Sandbox {
			host = ecpayStageHost
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ECPay{cfg: cfg, host: strings.TrimRight(host, "/"), client: client, now: time.Now}, nil
}

func (g *ECPay) Provider() Provider { return ProviderECPay }

func (g *ECPay) CreatePayment(_ context.Context, p CreateParams) (CreateResult, error) {
	if p.Amount <= 0 {
		return declined("amount must be positive"), nil
	}
	if len(p.OrderRef) == 0 || len(p.OrderRef) > 20 {
		return declined("merchant trade number must be 1-20 characters"), nil
	}

	item := p.Description
	if item == "" {
		item = "Subscription"
	}
	fields := map[string]string{
		"MerchantID":        g.cfg.MerchantID,
		"MerchantTradeNo":   p.OrderRef,
		"MerchantTradeDate": g.now().In(taipei).Format(ecpayTimeLayout),
		"PaymentType":       "aio",
		"TotalAmount":       strconv.FormatInt(p.Amount, 10),
		"TradeDesc":         item,
		"ItemName":          item,
		"ReturnURL":         g.cfg.NotifyURL,
		"ChoosePayment":     g.cfg.ChoosePayment,
		"EncryptType":       "1",
		"NeedExtraPaidInfo": "N",
	}
	if p.ReturnURL != "" {
		fields["OrderResultURL"] = p.ReturnURL
	}
	if p.BackURL != "" {
		fields["ClientBackURL"] = p.BackURL
	}
	fields[ecpayMacField] = ECPayCheckMac(fields, g.cfg.HashKey, g.cfg.HashIV)

	return CreateResult{
		Success:       true,
		PaymentURL:    g.host + ecpayCheckoutPath,
		FormData:      fields,
		TransactionID: p.OrderRef,
		Raw:           rawJSON(fields),
	}, nil
}

func (g *ECPay) VerifyCallback(_ context.Context, cb Callback) (VerifyResult, error) {
	form, err := cb.form()
	if err != nil {
		return VerifyResult{}, err
	}
	fields, err := g.authenticate(form)
	if err != nil {
		return VerifyResult{}, err
	}

	res := VerifyResult{
		OrderRef:      fields["MerchantTradeNo"],
		TransactionID: fields["TradeNo"],
		Raw:           rawJSON(fields),
	}
	res.Amount, _ = strconv.ParseInt(fields["TradeAmt"], 10, 64)

	switch {
	case fields["SimulatePaid"] == "1" && !g.cfg.Sandbox:
		res.ErrorMessage = "simulated payment rejected in production"
	case fields["RtnCode"] == "1":
		res.Success = true
		res.PaidAt = parseTaipei(ecpayTimeLayout, fields["PaymentDate"], g.now())
	default:
		res.ErrorMessage = fmt.Sprintf("ecpay rtn_code %s: %s", fields["RtnCode"], fields["RtnMsg"])
	}
	return res, nil
}

// QueryTransaction asks ECPay for the current state of an order.
func (g *ECPay) QueryTransaction(ctx context.Context, q QueryParams) (VerifyResult, error) {
	req := map[string]string{
		"MerchantID":      g.cfg.MerchantID,
		"MerchantTradeNo": q.OrderRef,
		"TimeStamp":       strconv.FormatInt(g.now().Unix(), 10),
	}
	req[ecpayMacField] = ECPayCheckMac(req, g.cfg.HashKey, g.cfg.HashIV)

	body, err := postForm(ctx, g.client, g.host+ecpayQueryPath, toValues(req))
	if err != nil {
		return VerifyResult{}, err
	}
	reply, err := url.ParseQuery(string(body))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	fields, err := g.authenticate(reply)
	if err != nil {
		return VerifyResult{}, err
	}

	res := VerifyResult{
		OrderRef:      fields["MerchantTradeNo"],
		TransactionID: fields["TradeNo"],
		Raw:           rawJSON(fields),
	}
	res.Amount, _ = strconv.ParseInt(fields["TradeAmt"], 10, 64)
	switch fields["TradeStatus"] {
	case "1":
		res.Success = true
		res.PaidAt = parseTaipei(ecpayTimeLayout, fields["PaymentDate"], g.now())
	case "0":
		res.Ignored = true
		res.ErrorMessage = "payment not completed yet"
	default:
		res.ErrorMessage = "ecpay trade status " + fields["TradeStatus"]
	}
	return res, nil
}

// Refund issues a full or partial credit card refund (DoAction "R").
func (g *ECPay) Refund(ctx context.Context, r RefundParams) (RefundResult, error) {
	req := map[string]string{
		"MerchantID":      g.cfg.MerchantID,
		"MerchantTradeNo": r.OrderRef,
		"TradeNo":         r.TransactionID,
		"Action":          "R",
		"TotalAmount":     strconv.FormatInt(r.Amount, 10),
	}
	req[ecpayMacField] = ECPayCheckMac(req, g.cfg.HashKey, g.cfg.HashIV)

	body, err := postForm(ctx, g.client, g.host+ecpayActionPath, toValues(req))
	if err != nil {
		return RefundResult{}, err
	}
	reply, err := url.ParseQuery(string(body))
	if err != nil {
		return RefundResult{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	fields := valuesMap(reply)
	if fields["RtnCode"] != "1" {
		return RefundResult{ErrorMessage: fields["RtnMsg"], Raw: rawJSON(fields)}, nil
	}
	return RefundResult{Success: true, RefundID: fields["TradeNo"], Raw: rawJSON(fields)}, nil
}

// Ack answers with ECPay's literal acknowledgment; anything else makes ECPay retry.
func (g *ECPay) Ack(processed bool) Ack {
	body := "0|Fail"
	if processed {
		body = "1|OK"
	}
	return Ack{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

// authenticate checks CheckMacValue and the merchant id, returning the
// flattened fields.
func (g *ECPay) authenticate(form url.Values) (map[string]string, error) {
	fields := valuesMap(form)
	got := fields[ecpayMacField]
	if got == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidSignature, ecpayMacField)
	}
	delete(fields, ecpayMacField)

	want := ECPayCheckMac(fields, g.cfg.HashKey, g.cfg.HashIV)
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToUpper(got))) != 1 {
		return nil, fmt.Errorf("%w: check mac value mismatch", ErrInvalidSignature)
	}
	if mid, ok := fields["MerchantID"]; ok && mid != g.cfg.MerchantID {
		return nil, fmt.Errorf("%w: merchant id mismatch", ErrInvalidSignature)
	}
	fields[ecpayMacField] = got
	return fields, nil
}

// ECPayCheckMac computes CheckMacValue: parameters sorted case-insensitively
// by name, wrapped in HashKey/HashIV, URL-encoded the .NET way, lower-cased,
// SHA-256 hashed and upper-case hex encoded. The CheckMacValue field itself
// must not be in params.
func ECPayCheckMac(params map[string]string, hashKey, hashIV string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == ecpayMacField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return strings.ToLower(keys[i]) < strings.ToLower(keys[j]) })

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(hashKey)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&HashIV=")
	b.WriteString(hashIV)

	sum := sha256.Sum256([]byte(dotnetURLEncode(b.String())))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// dotnetUnescape restores the characters HttpUtility.UrlEncode leaves alone.
var dotnetUnescape = strings.NewReplacer(
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
)

// dotnetURLEncode mirrors HttpUtility.UrlEncode followed by ToLower, which is
// what ECPay hashes.
func dotnetURLEncode(s string) string {
	encoded := strings.ToLower(url.QueryEscape(s))
	encoded = strings.ReplaceAll(encoded, "~", "%7e")
	return dotnetUnescape.Replace(encoded)
}

func toValues(m map[string]string) url.Values {
	v := make(url.Values, len(m))
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}

func parseTaipei(layout, value string, fallback time.Time) time.Time {
	t, err := time.ParseInLocation(layout, value, taipei)
	if err != nil {
		return fallback
	}
	return t
}
