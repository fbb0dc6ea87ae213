package fetch

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

var errAbort = errors.New("consumer aborted")

func TestDownloadAndConsumeReassemblesBody(t *testing.T) {
	want := bytes.Repeat([]byte("abcdefgh"), 100*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(want)
	}))
	defer srv.Close()

	var got bytes.Buffer
	err := DownloadAndConsume(srv.URL, func(chunk []byte) error {
		_, werr := got.Write(chunk)
		return werr
	})
	if err != nil {
		t.Fatalf("DownloadAndConsume: %v", err)
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("got %d bytes, want %d bytes; content mismatch", got.Len(), len(want))
	}
}

func TestDownloadAndConsumePropagatesNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := DownloadAndConsume(srv.URL, func(chunk []byte) error { return nil })
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestDownloadAndConsumeStopsOnConsumerError(t *testing.T) {
	want := bytes.Repeat([]byte("x"), slotSize*3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(want)
	}))
	defer srv.Close()

	calls := 0
	err := DownloadAndConsume(srv.URL, func(chunk []byte) error {
		calls++
		return errAbort
	})
	if err != errAbort {
		t.Fatalf("expected errAbort, got %v", err)
	}
	if calls == 0 {
		t.Error("expected the consumer to have run at least once")
	}
}
