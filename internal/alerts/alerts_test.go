package alerts

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfleet/harrier/internal/bus"
	"github.com/openfleet/harrier/internal/cache"
	"github.com/openfleet/harrier/internal/domain"
)

func TestRecordUnidentified(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	c := cache.NewLRUCache(100)
	svc := NewService(c, eventBus, 3, time.Minute)

	ctx := context.Background()
	tenantID := "tenant-001"

	var alertCount atomic.Int32
	var lastPayload atomic.Pointer[[]byte]

	eventBus.Subscribe(ctx, tenantID, domain.TopicVehicleUnidentified, func(ctx context.Context, msg *domain.Message) error {
		p := msg.Payload
		lastPayload.Store(&p)
		alertCount.Add(1)
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	uv := domain.UnidentifiedVehicle{
		TransactionID: "tx-001",
		CardNumber:    "CARD001",
		Plate:         "AB-123-CD",
	}

	// Two failures stay below the threshold
	svc.RecordUnidentified(ctx, tenantID, uv)
	svc.RecordUnidentified(ctx, tenantID, uv)
	time.Sleep(50 * time.Millisecond)

	if alertCount.Load() != 0 {
		t.Fatalf("expected no alert below threshold, got %d", alertCount.Load())
	}

	// Third failure crosses it
	svc.RecordUnidentified(ctx, tenantID, uv)

	deadline := time.Now().Add(time.Second)
	for alertCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if alertCount.Load() != 1 {
		t.Fatalf("expected 1 alert at threshold, got %d", alertCount.Load())
	}

	var alert Alert
	if err := json.Unmarshal(*lastPayload.Load(), &alert); err != nil {
		t.Fatalf("failed to parse alert: %v", err)
	}
	// Card number wins over plate as the counter key
	if alert.Identifier != "CARD001" {
		t.Errorf("expected identifier 'CARD001', got '%s'", alert.Identifier)
	}
	if alert.Failures != 3 {
		t.Errorf("expected 3 failures, got %d", alert.Failures)
	}
	if alert.TransactionID != "tx-001" {
		t.Errorf("expected transaction 'tx-001', got '%s'", alert.TransactionID)
	}
}

func TestRecordUnidentifiedKeyFallback(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	c := cache.NewLRUCache(100)
	svc := NewService(c, eventBus, 2, time.Minute)

	ctx := context.Background()
	tenantID := "tenant-001"

	var received atomic.Int32
	var lastPayload atomic.Pointer[[]byte]

	eventBus.Subscribe(ctx, tenantID, domain.TopicVehicleUnidentified, func(ctx context.Context, msg *domain.Message) error {
		p := msg.Payload
		lastPayload.Store(&p)
		received.Add(1)
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// No card number, fall back to the plate
	uv := domain.UnidentifiedVehicle{TransactionID: "tx-002", Plate: "ZZ-999-ZZ"}
	svc.RecordUnidentified(ctx, tenantID, uv)
	svc.RecordUnidentified(ctx, tenantID, uv)

	deadline := time.Now().Add(time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if received.Load() == 0 {
		t.Fatal("expected alert to be published")
	}

	var alert Alert
	if err := json.Unmarshal(*lastPayload.Load(), &alert); err != nil {
		t.Fatalf("failed to parse alert: %v", err)
	}
	if alert.Identifier != "ZZ-999-ZZ" {
		t.Errorf("expected identifier 'ZZ-999-ZZ', got '%s'", alert.Identifier)
	}
}

func TestRecordUnidentifiedWithoutBus(t *testing.T) {
	c := cache.NewLRUCache(100)
	svc := NewService(c, nil, 1, time.Minute)

	// Must not panic with a nil bus
	svc.RecordUnidentified(context.Background(), "tenant-001", domain.UnidentifiedVehicle{
		TransactionID: "tx-003",
	})
}

func TestNewServiceDefaults(t *testing.T) {
	svc := NewService(cache.NewLRUCache(10), nil, 0, 0)
	if svc.threshold != 3 {
		t.Errorf("expected default threshold 3, got %d", svc.threshold)
	}
	if svc.window != 24*time.Hour {
		t.Errorf("expected default window 24h, got %s", svc.window)
	}
}
