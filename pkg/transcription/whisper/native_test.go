package whisper

import (
	"context"
	"testing"

	"github.com/localscribe/meetcap/pkg/transcription"
)

func TestAdapterValidateModelReadyBeforeLoad(t *testing.T) {
	a := New("en")
	if a.IsModelLoaded() {
		t.Fatal("expected no model loaded initially")
	}
	if err := a.ValidateModelReady(context.Background()); err != transcription.ErrNoModelLoaded {
		t.Fatalf("expected ErrNoModelLoaded, got %v", err)
	}
}

func TestAdapterTranscribeWithoutModelReturnsSentinel(t *testing.T) {
	a := New("en")
	_, _, _, err := a.Transcribe(context.Background(), make([]float32, 1600), "")
	if err != transcription.ErrNoModelLoaded {
		t.Fatalf("expected ErrNoModelLoaded, got %v", err)
	}
}

func TestAdapterUnloadModelWithoutLoadReturnsFalse(t *testing.T) {
	a := New("en")
	if a.UnloadModel() {
		t.Fatal("expected UnloadModel to report false when nothing was loaded")
	}
}
