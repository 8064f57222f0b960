package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const maxSubmitAttempts = 3

// STKPushRequest is the Daraja payment-initiation payload. Field casing
// follows the provider's wire format.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgment. The terminal
// outcome arrives later on the callback URL.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPush pushes a payment prompt to the payer's phone. Transport
// failures and 5xx responses are retried up to maxSubmitAttempts with
// exponential backoff from submitBackoff; a 401 triggers one token
// refresh and a single resubmit; any other 4xx is terminal.
func (c *Client) STKPush(ctx context.Context, phoneNumber string, amountKES int64, accountRef, description string) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	password, timestamp, err := GeneratePassword(c.cfg.ShortCode, c.cfg.Passkey, c.now().In(c.tz))
	if err != nil {
		return nil, err
	}
	payload := STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amountKES,
		PartyA:            phoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   description,
	}
	body, _ := json.Marshal(payload)

	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.submitBackoff << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, retryable, err := c.doSTKPush(ctx, token, body)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, errUnauthorized) {
			if refreshed {
				return nil, &RejectedError{StatusCode: http.StatusUnauthorized, Description: "access token rejected after refresh"}
			}
			refreshed = true
			c.invalidateToken()
			if token, err = c.AccessToken(ctx); err != nil {
				return nil, err
			}
			// the refresh resubmit does not consume a retry attempt
			attempt--
			continue
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		log.Printf("[MPESA] stk push attempt %d/%d failed: %v", attempt, maxSubmitAttempts, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}

// doSTKPush performs a single POST. retryable reports whether the
// failure is transient (transport error or 5xx).
func (c *Client) doSTKPush(ctx context.Context, token string, body []byte) (resp *STKPushResponse, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer httpResp.Body.Close()
	respBody, _ := io.ReadAll(httpResp.Body)

	switch {
	case httpResp.StatusCode >= 500:
		return nil, true, fmt.Errorf("status %d: %s", httpResp.StatusCode, respBody)
	case httpResp.StatusCode == http.StatusUnauthorized:
		return nil, false, errUnauthorized
	case httpResp.StatusCode >= 400:
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		desc := apiErr.ErrorMessage
		if desc == "" {
			desc = string(respBody)
		}
		return nil, false, &RejectedError{StatusCode: httpResp.StatusCode, Code: apiErr.ErrorCode, Description: desc}
	}

	var out STKPushResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, false, fmt.Errorf("mpesa: decode response: %w", err)
	}
	if out.ResponseCode != "" && out.ResponseCode != "0" {
		return nil, false, &RejectedError{StatusCode: httpResp.StatusCode, Code: out.ResponseCode, Description: out.ResponseDescription}
	}
	return &out, false, nil
}
