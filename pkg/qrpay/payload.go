package qrpay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// EMVCo merchant-presented QR tags used in payloads.
const (
	tagPayloadFormat      = "00"
	tagPointOfInitiation  = "01"
	tagMerchantAccount    = "26"
	tagCurrency           = "53"
	tagAmount             = "54"
	tagCountry            = "58"
	tagMerchantName       = "59"
	tagAdditionalData     = "62"
	tagCRC                = "63"
	subTagMerchantID      = "00"
	subTagCorrelationData = "05"
)

var (
	errAmountNotPositive  = errors.New("qr amount must be positive")
	errCorrelationMissing = errors.New("qr correlation id is required")
)

// PayloadParams describes one payable QR code.
type PayloadParams struct {
	CorrelationID string
	Amount        decimal.Decimal
	CurrencyCode  string
	CountryCode   string
}

// BuildPayload renders an EMVCo-style merchant-presented payload with a trailing CRC.
// The correlation id rides in the additional-data template so the gateway can match
// the scan back to the originating session.
func (c *Client) BuildPayload(params PayloadParams) (string, error) {
	if strings.TrimSpace(params.CorrelationID) == "" {
		return "", errCorrelationMissing
	}
	if !params.Amount.IsPositive() {
		return "", errAmountNotPositive
	}

	currency := params.CurrencyCode
	if currency == "" {
		currency = "840"
	}
	country := params.CountryCode
	if country == "" {
		country = "US"
	}

	var b strings.Builder
	writeTLV(&b, tagPayloadFormat, "01")
	writeTLV(&b, tagPointOfInitiation, "12") // dynamic, one scan per payload

	account := tlv(subTagMerchantID, c.merchantID)
	writeTLV(&b, tagMerchantAccount, account)

	writeTLV(&b, tagCurrency, currency)
	writeTLV(&b, tagAmount, params.Amount.StringFixed(2))
	writeTLV(&b, tagCountry, country)

	name := c.merchantName
	if name == "" {
		name = "QuickMart"
	}
	if len(name) > 25 {
		name = name[:25]
	}
	writeTLV(&b, tagMerchantName, name)

	writeTLV(&b, tagAdditionalData, tlv(subTagCorrelationData, params.CorrelationID))

	// CRC covers everything up to and including its own tag+length.
	b.WriteString(tagCRC)
	b.WriteString("04")
	payload := b.String()
	return payload + fmt.Sprintf("%04X", crc16CCITT([]byte(payload))), nil
}

func writeTLV(b *strings.Builder, tag, value string) {
	b.WriteString(tlv(tag, value))
}

func tlv(tag, value string) string {
	return fmt.Sprintf("%s%02d%s", tag, len(value), value)
}

// crc16CCITT computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) as required
// by the EMVCo QR spec.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, d := range data {
		crc ^= uint16(d) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ValidatePayload re-checks the CRC trailer of a rendered payload.
func ValidatePayload(payload string) error {
	if len(payload) < 8 {
		return fmt.Errorf("payload too short")
	}
	body, trailer := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(body, tagCRC+"04") {
		return fmt.Errorf("payload missing crc tag")
	}
	expected := fmt.Sprintf("%04X", crc16CCITT([]byte(body)))
	if trailer != expected {
		return fmt.Errorf("crc mismatch: have %s want %s", trailer, expected)
	}
	return nil
}
