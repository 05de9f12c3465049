package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

func TestPollCertificates(t *testing.T) {
	realmID := uuid.New()
	deviceID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/certificates/poll" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(DeviceHeader) != deviceID.String() {
			t.Errorf("expected device header %s, got %q", deviceID, r.Header.Get(DeviceHeader))
		}
		var req pollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.CommonAfter != 100 {
			t.Errorf("expected common_after 100, got %v", req.CommonAfter)
		}
		json.NewEncoder(w).Encode(&CertificateBatch{
			Common: [][]byte{[]byte("cert1")},
			Realm:  map[models.RealmID][][]byte{realmID: {[]byte("cert2")}},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, deviceID, nil)
	batch, err := client.PollCertificates(context.Background(), certstore.PerTopicLastTimestamps{Common: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Common) != 1 || string(batch.Common[0]) != "cert1" {
		t.Errorf("unexpected common batch: %v", batch.Common)
	}
	if len(batch.Realm[realmID]) != 1 {
		t.Errorf("unexpected realm batch: %v", batch.Realm)
	}
}

func TestCreateVlobStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&WriteResult{
			Status:              StatusRequireGreaterTimestamp,
			StrictlyGreaterThan: 12345,
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, uuid.New(), nil)
	result, err := client.CreateVlob(context.Background(), &VlobWrite{
		RealmID: uuid.New(), VlobID: uuid.New(), Version: 1, Timestamp: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRequireGreaterTimestamp {
		t.Errorf("expected require_greater_timestamp, got %s", result.Status)
	}
	if result.StrictlyGreaterThan != 12345 {
		t.Errorf("expected strictly_greater_than 12345, got %v", result.StrictlyGreaterThan)
	}
}

func TestReadVlobNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, uuid.New(), nil)
	_, err := client.ReadVlob(context.Background(), uuid.New(), uuid.New(), 0)
	if !errors.Is(err, ErrVlobNotFound) {
		t.Fatalf("expected ErrVlobNotFound, got %v", err)
	}
}

func TestTransportFailureIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from now on

	client := NewHTTPClient(srv.URL, uuid.New(), nil)
	_, err := client.PollCertificates(context.Background(), certstore.PerTopicLastTimestamps{})
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	if _, err := client.ServerNow(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestServerErrorIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, uuid.New(), nil)
	_, err := client.CreateRealm(context.Background(), []byte("cert"))
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}
