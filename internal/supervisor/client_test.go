package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/internal/model"
	"github.com/supvisors/supvisors/pkg/types"
)

// newFakeDaemon serves a minimal local supervisor endpoint and returns the
// client pointed at it.
func newFakeDaemon(t *testing.T, handler http.HandlerFunc) (*HTTPClient, string) {
	t.Helper()
	daemon := httptest.NewServer(handler)
	t.Cleanup(daemon.Close)

	parsed, err := url.Parse(daemon.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatal(err)
	}
	client := NewHTTPClient(Config{Port: port}, zerolog.Nop())
	return client, parsed.Hostname()
}

func TestStartProcess(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody map[string]interface{}
	client, host := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	err := client.StartProcess(context.Background(), host, "movies:converter", "-debug")
	if err != nil {
		t.Fatalf("StartProcess failed: %v", err)
	}
	if gotPath != "/rpc/startProcess" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["namespec"] != "movies:converter" || gotBody["extra_args"] != "-debug" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestStopProcess_ErrorStatus(t *testing.T) {
	t.Parallel()

	client, host := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if err := client.StopProcess(context.Background(), host, "movies:converter"); err == nil {
		t.Error("expected an error on HTTP 500")
	}
}

func TestGetAllProcessInfo(t *testing.T) {
	t.Parallel()

	client, host := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"processes": []model.ProcessEvent{
				{ApplicationName: "movies", ProcessName: "p1", State: types.ProcessRunning},
			},
		})
	})

	infos, err := client.GetAllProcessInfo(context.Background(), host)
	if err != nil {
		t.Fatalf("GetAllProcessInfo failed: %v", err)
	}
	if len(infos) != 1 || infos[0].ProcessName != "p1" || infos[0].State != types.ProcessRunning {
		t.Errorf("infos = %+v", infos)
	}
}

func TestCheckAuthorization(t *testing.T) {
	t.Parallel()

	client, host := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		var request map[string]string
		_ = json.NewDecoder(r.Body).Decode(&request)
		_ = json.NewEncoder(w).Encode(map[string]bool{
			"authorized": request["address"] == "n1",
		})
	})

	authorized, err := client.CheckAuthorization(context.Background(), host, "n1")
	if err != nil || !authorized {
		t.Fatalf("authorized = %v, err = %v", authorized, err)
	}
	authorized, err = client.CheckAuthorization(context.Background(), host, "intruder")
	if err != nil || authorized {
		t.Fatalf("authorized = %v, err = %v", authorized, err)
	}
}
