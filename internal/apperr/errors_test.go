package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeGateway, cause, "stk push")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeGateway, err.Code())
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCodeOfThroughFmtWrap(t *testing.T) {
	base := New(CodeInsufficientStock, "not enough").WithDetails(map[string]int{"available": 1})
	wrapped := fmt.Errorf("create order: %w", base)

	typed := As(wrapped)
	require.NotNil(t, typed)
	assert.Equal(t, CodeInsufficientStock, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, CodeInsufficientStock))
	assert.Equal(t, map[string]int{"available": 1}, typed.Details())
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("lookup: %w", New(CodePaymentNotFound, "payment ws_CO_1 not found"))

	assert.True(t, errors.Is(err, New(CodePaymentNotFound, "")))
	assert.False(t, errors.Is(err, New(CodeNotFound, "")))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.False(t, HasCode(nil, CodeInternal))
}

func TestMetadataForUnknownCode(t *testing.T) {
	meta := MetadataFor(Code("SOMETHING_ELSE"))
	assert.Equal(t, http.StatusInternalServerError, meta.HTTPStatus)
	assert.Equal(t, http.StatusNotFound, MetadataFor(CodePaymentNotFound).HTTPStatus)
}
