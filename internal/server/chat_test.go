package server

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/athanor-ai/athanor"
)

func TestDecodeAttachments(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G'}
	blocks, err := decodeAttachments([]attachmentDescriptor{
		{MediaType: "image/png", Data: base64.StdEncoding.EncodeToString(payload)},
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
	b := blocks[0]
	if b.Type != athanor.BlockImage || b.MediaType != "image/png" || !bytes.Equal(b.Data, payload) {
		t.Errorf("block = %+v", b)
	}

	if got, err := decodeAttachments(nil); got != nil || err != nil {
		t.Errorf("empty input = %v, %v", got, err)
	}

	bad := []struct {
		name string
		desc attachmentDescriptor
	}{
		{"non-image media type", attachmentDescriptor{MediaType: "text/plain", Data: base64.StdEncoding.EncodeToString(payload)}},
		{"invalid base64", attachmentDescriptor{MediaType: "image/png", Data: "not base64!!"}},
		{"empty payload", attachmentDescriptor{MediaType: "image/png", Data: ""}},
	}
	for _, tc := range bad {
		_, err := decodeAttachments([]attachmentDescriptor{tc.desc})
		if athanor.KindOf(err) != athanor.KindValidationError {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}
}

func TestChatRejectsBadAttachment(t *testing.T) {
	// Attachment validation runs before the orchestrator is touched, so a nil
	// orchestrator is safe here.
	s := New(nil, nil, nil, StaticAuth(map[string]athanor.User{
		"tok": {ID: "u1", Tier: athanor.TierAzothic},
	}))

	body := `{"text":"look at this","attachments":[{"media_type":"application/pdf","data":"aGk="}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := rec.Body.String(); !bytes.Contains([]byte(got), []byte("ValidationError")) {
		t.Errorf("body = %s", got)
	}
}
