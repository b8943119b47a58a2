package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"missing procedure", &pgconn.PgError{Code: "42883", Message: "function ingest_row does not exist"}, KindFatal},
		{"missing table", eris.Wrap(&pgconn.PgError{Code: "42P01"}, "lead: insert"), KindFatal},
		{"auth failure", &pgconn.PgError{Code: "28P01"}, KindFatal},
		{"explicit fatal", NewFatalError(errors.New("401 unauthorized")), KindFatal},
		{"unique violation", &pgconn.PgError{Code: "23505"}, KindRace},
		{"sqlite unique", errors.New("constraint failed: UNIQUE constraint failed: lead_identifiers.type"), KindRace},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, KindTransient},
		{"connection class", &pgconn.PgError{Code: "08006"}, KindTransient},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindTransient},
		{"http 503", NewTransientError(errors.New("unavailable"), 503), KindTransient},
		{"plain", errors.New("bad payload"), KindOperational},
		{"nil", nil, KindOperational},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, msg := range []string{"i/o timeout", "connection reset by peer", "database is locked"} {
		if !IsTransient(errors.New("crm: page 3: " + msg)) {
			t.Errorf("expected %q to be transient", msg)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d not transient", code)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindFatal.String() != "fatal" || KindRace.String() != "race" || KindOperational.String() != "operational" {
		t.Error("unexpected kind names")
	}
}
