package fallback_test

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxtail/voxtail/pkg/transcribe"
	"github.com/voxtail/voxtail/pkg/transcribe/fallback"
	"github.com/voxtail/voxtail/pkg/types"
)

func window(n int) types.AudioWindow {
	return types.AudioWindow{PCM: make([]byte, n*2), SampleRate: 16000, Channels: 1, SampleWidth: 2}
}

func TestTranscribe_SingleSegment(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("server: parse multipart: %v", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("server: missing file field: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if len(data) < 44 || string(data[:4]) != "RIFF" {
				t.Errorf("server: upload is not a WAV file")
			}
		}
		w.Write([]byte(`{"text": " hello world "}`))
	}))
	defer srv.Close()

	b, err := fallback.New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	res, err := b.Transcribe(context.Background(), window(32000))
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if len(res.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(res.Segments))
	}
	if math.Abs(res.Segments[0].End-2.0) > 0.001 {
		t.Errorf("segment end = %f, want 2.0 (window duration)", res.Segments[0].End)
	}
	if res.Confidence != 0.7 {
		t.Errorf("confidence = %f, want 0.7", res.Confidence)
	}
}

func TestTranscribe_ServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := fallback.New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := b.Transcribe(context.Background(), window(32000)); !errors.Is(err, transcribe.ErrUnavailable) {
		t.Errorf("Transcribe() error = %v, want ErrUnavailable", err)
	}
}

func TestTranscribe_ConnectionRefusedIsUnavailable(t *testing.T) {
	t.Parallel()

	b, err := fallback.New("http://127.0.0.1:1/inference")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := b.Transcribe(context.Background(), window(32000)); !errors.Is(err, transcribe.ErrUnavailable) {
		t.Errorf("Transcribe() error = %v, want ErrUnavailable", err)
	}
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := fallback.New(""); err == nil {
		t.Error("New(\"\") expected error, got nil")
	}
}
