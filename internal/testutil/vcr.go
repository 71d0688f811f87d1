// Package testutil holds shared helpers for replaying recorded upstream traffic.
package testutil

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewVCRRecorder opens testdata/fixtures/<cassetteName>.yaml in replay mode,
// or records it when VCR_MODE=record. The recorder is stopped on test
// cleanup.
func NewVCRRecorder(t *testing.T, cassetteName string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	r.SetMatcher(MatchUpstreamModel)
	r.AddFilter(func(i *cassette.Interaction) error {
		delete(i.Request.Headers, "Authorization")
		return nil
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	})

	return r
}

// MatchUpstreamModel matches on method, URL and the "model" field of the
// JSON body, so a replay proves the model was rewritten for the candidate.
func MatchUpstreamModel(r *http.Request, i cassette.Request) bool {
	if r.Method != i.Method || r.URL.String() != i.URL {
		return false
	}
	want := gjson.Get(i.Body, "model").String()
	if want == "" || r.GetBody == nil {
		return true
	}
	body, err := r.GetBody()
	if err != nil {
		return false
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return false
	}
	return gjson.GetBytes(raw, "model").String() == want
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
