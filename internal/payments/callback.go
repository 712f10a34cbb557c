package payments

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
)

// Callback is the gateway's asynchronous payment result.
type Callback struct {
	MerchantRequestID string
	TransactionID     string // CheckoutRequestID
	ResultCode        int
	ResultDescription string
	Receipt           string // MpesaReceiptNumber, success only
	PhoneNumber       string
}

func (c Callback) Succeeded() bool { return c.ResultCode == 0 }

// stkCallbackEnvelope mirrors {"Body":{"stkCallback":{...}}}.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string       `json:"MerchantRequestID"`
			CheckoutRequestID string       `json:"CheckoutRequestID"`
			ResultCode        *json.Number `json:"ResultCode"`
			ResultDesc        string       `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// DecodeCallback parses a Daraja STK callback body. A body missing the
// checkout id or the result code is a validation error.
func DecodeCallback(r io.Reader) (Callback, error) {
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	dec.UseNumber()
	var env stkCallbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return Callback{}, apperr.Wrap(apperr.CodeValidation, err, "invalid callback body")
	}
	stk := env.Body.StkCallback
	if stk == nil {
		return Callback{}, apperr.New(apperr.CodeValidation, "missing Body.stkCallback")
	}
	if strings.TrimSpace(stk.CheckoutRequestID) == "" {
		return Callback{}, apperr.New(apperr.CodeValidation, "missing CheckoutRequestID")
	}
	if stk.ResultCode == nil {
		return Callback{}, apperr.New(apperr.CodeValidation, "missing ResultCode")
	}
	code, err := stk.ResultCode.Int64()
	if err != nil {
		return Callback{}, apperr.Wrap(apperr.CodeValidation, err, "invalid ResultCode")
	}

	cb := Callback{
		MerchantRequestID: stk.MerchantRequestID,
		TransactionID:     stk.CheckoutRequestID,
		ResultCode:        int(code),
		ResultDescription: stk.ResultDesc,
	}
	if stk.CallbackMetadata != nil {
		for _, item := range stk.CallbackMetadata.Item {
			switch item.Name {
			case "MpesaReceiptNumber":
				cb.Receipt = metadataString(item.Value)
			case "PhoneNumber":
				cb.PhoneNumber = metadataString(item.Value)
			}
		}
	}
	return cb, nil
}

func metadataString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
