package response

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOKEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]int{"total": 3})

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
}

func TestWithMetaHasNext(t *testing.T) {
	rec := httptest.NewRecorder()
	WithMeta(rec, []int{1, 2}, 2, 0, 2)

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Meta)
	assert.True(t, body.Meta.HasNext)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	err := DecodeJSON(io.NopCloser(strings.NewReader(`{"a":1,"b":2}`)), &v)
	assert.Error(t, err)

	err = DecodeJSON(io.NopCloser(strings.NewReader(`{"a":1}`)), &v)
	require.NoError(t, err)
	assert.Equal(t, 1, v.A)
}
