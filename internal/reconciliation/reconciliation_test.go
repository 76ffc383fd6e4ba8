package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/payment"
	"github.com/hireloop/payments/internal/payout"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeEscrows struct {
	due    []*escrow.Escrow
	before time.Time
	err    error
}

func (f *fakeEscrows) ListDue(_ context.Context, t time.Time, _ int) ([]*escrow.Escrow, error) {
	f.before = t
	return f.due, f.err
}

type fakePayments struct {
	stale  []*payment.Payment
	cutoff time.Time
}

func (f *fakePayments) ListPendingBefore(_ context.Context, t time.Time, _ int) ([]*payment.Payment, error) {
	f.cutoff = t
	return f.stale, nil
}

type fakePayouts struct {
	failed []*payout.Payout
}

func (f *fakePayouts) ListFailed(context.Context, int) ([]*payout.Payout, error) {
	return f.failed, nil
}

func newRunner(e *fakeEscrows, p *fakePayments, po *fakePayouts) *Runner {
	return NewRunner(e, p, po, Config{PendingTTL: 30 * time.Minute}, clock.NewFake(now), slog.New(slog.DiscardHandler))
}

func TestRun_Healthy(t *testing.T) {
	e, p := &fakeEscrows{}, &fakePayments{}
	r := newRunner(e, p, &fakePayouts{})

	if r.Last() != nil {
		t.Fatal("expected no report before the first run")
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Healthy || report.Findings() != 0 {
		t.Errorf("expected healthy report, got %+v", report)
	}
	if want := now.Add(-DefaultGrace); !e.before.Equal(want) {
		t.Errorf("escrows checked before %v, want %v", e.before, want)
	}
	if want := now.Add(-30*time.Minute - DefaultGrace); !p.cutoff.Equal(want) {
		t.Errorf("payments checked before %v, want %v", p.cutoff, want)
	}
	if r.Last() != report {
		t.Error("expected Last to return the stored report")
	}
}

func TestRun_ReportsFindings(t *testing.T) {
	r := newRunner(
		&fakeEscrows{due: []*escrow.Escrow{{ID: "esc_1"}}},
		&fakePayments{stale: []*payment.Payment{{ID: "pay_1"}, {ID: "pay_2"}}},
		&fakePayouts{failed: []*payout.Payout{{ID: "po_1"}}},
	)

	n, err := r.Job(context.Background())
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 findings, got %d", n)
	}
	report := r.Last()
	if report.Healthy {
		t.Error("expected unhealthy report")
	}
	if len(report.StalePayments) != 2 || report.StuckEscrows[0] != "esc_1" || report.FailedPayouts[0] != "po_1" {
		t.Errorf("unexpected report %+v", report)
	}

	m := &dto.Metric{}
	_ = reconcileStalePayments.Write(m)
	if m.Gauge.GetValue() != 2 {
		t.Errorf("expected stale payment gauge 2, got %v", m.Gauge.GetValue())
	}
}

func TestRun_StoreErrorKeepsLastReport(t *testing.T) {
	e := &fakeEscrows{}
	r := newRunner(e, &fakePayments{}, &fakePayouts{})
	first, _ := r.Run(context.Background())

	e.err = errors.New("connection reset")
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if r.Last() != first {
		t.Error("a failed run must not replace the last report")
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRunner(&fakeEscrows{}, &fakePayments{}, &fakePayouts{failed: []*payout.Payout{{ID: "po_9"}}})
	router := gin.New()
	NewHandler(r).RegisterAdminRoutes(router.Group("/v1/admin"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before first run, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/run", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
