package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// CallbackEnvelope is the provider's asynchronous result POST:
// Body.stkCallback wrapping the result code and, on success, a metadata
// item list carrying the receipt number.
type CallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is the parsed outcome of one STK push.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	AmountKES         int64
	PhoneNumber       string
}

func (r *CallbackResult) Success() bool { return r.ResultCode == 0 }

func ParseCallback(payload []byte) (*CallbackResult, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("mpesa: parse callback: %w", err)
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, errors.New("mpesa: callback missing CheckoutRequestID")
	}
	result := &CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				result.ReceiptNumber = v
			}
		case "Amount":
			if v, ok := item.Value.(float64); ok {
				result.AmountKES = int64(v)
			}
		case "PhoneNumber":
			// Daraja sends the MSISDN as a JSON number
			switch v := item.Value.(type) {
			case float64:
				result.PhoneNumber = strconv.FormatInt(int64(v), 10)
			case string:
				result.PhoneNumber = v
			}
		}
	}
	return result, nil
}
