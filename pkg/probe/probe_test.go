package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/knoboor/pkg/ingest"
)

func writeCapture(t *testing.T, dir string, skip string) {
	t.Helper()

	for _, name := range ingest.PayloadNames {
		if name == skip {
			continue
		}

		require.NoError(t, os.WriteFile(
			filepath.Join(dir, name+".json"), []byte(`{"name":"`+name+`"}`), 0o600,
		))
	}
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	writeCapture(t, dir, "")

	p, err := ReadDir(dir)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"knobs"}`, string(p.Knobs))
	assert.JSONEq(t, `{"name":"metrics_after"}`, string(p.MetricsAfter))

	partial := t.TempDir()
	writeCapture(t, partial, ingest.PayloadMetricsBefore)

	_, err = ReadDir(partial)
	assert.ErrorContains(t, err, "metrics_before")
}

func TestClient_Upload(t *testing.T) {
	var gotCode string

	gotFiles := make(map[string]string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, uploadPath, r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))

		gotCode = r.FormValue("upload_code")

		if gotCode == "BAD" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"invalid upload code"}`))

			return
		}

		for _, name := range ingest.PayloadNames {
			f, _, err := r.FormFile(name)
			if !assert.NoError(t, err) {
				continue
			}

			data, _ := io.ReadAll(f)
			gotFiles[name] = string(data)
		}

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result_id":7,"message":"ok","task_ids":["a","b","c"]}`))
	}))
	defer srv.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)

	c := NewClient(log, srv.URL+"/")
	p := &ingest.Payloads{
		Summary:       []byte(`{"s":1}`),
		Knobs:         []byte(`{"k":1}`),
		MetricsBefore: []byte(`{"b":1}`),
		MetricsAfter:  []byte(`{"a":1}`),
	}

	resp, err := c.Upload(context.Background(), "CODE", p)
	require.NoError(t, err)
	assert.Equal(t, uint(7), resp.ResultID)
	assert.Equal(t, []string{"a", "b", "c"}, resp.TaskIDs)
	assert.Equal(t, "CODE", gotCode)
	assert.Equal(t, `{"k":1}`, gotFiles[ingest.PayloadKnobs])

	_, err = c.Upload(context.Background(), "BAD", p)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, "invalid upload code", statusErr.Message)
}
