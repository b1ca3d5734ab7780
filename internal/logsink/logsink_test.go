package logsink

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestDB_AppendDeliveryOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	d := NewDBWithConn(db)
	ctx := context.Background()

	outcome := Outcome{
		EventID:     "evt-1",
		Destination: "10.0.0.5",
		CallerHost:  "PC-101",
		Room:        "Sala 12",
		Username:    "John Smith",
		DeliveredAt: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		Status:      "DELIVERED",
	}

	tests := []struct {
		name      string
		setupMock func()
		wantErr   bool
	}{
		{
			name: "successful append",
			setupMock: func() {
				mock.ExpectExec("INSERT INTO logs_alertas").
					WithArgs("evt-1", "10.0.0.5", "PC-101", "Sala 12", "John Smith", outcome.DeliveredAt, "DELIVERED").
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "database error",
			setupMock: func() {
				mock.ExpectExec("INSERT INTO logs_alertas").
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock()
			err := d.AppendDeliveryOutcome(ctx, outcome)
			if (err != nil) != tt.wantErr {
				t.Errorf("AppendDeliveryOutcome() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDB_AppendSystemEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	d := NewDBWithConn(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO logs_sistema").
		WithArgs("broker started", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := d.AppendSystemEvent(ctx, "broker started"); err != nil {
		t.Errorf("AppendSystemEvent() error = %v", err)
	}

	mock.ExpectExec("INSERT INTO logs_sistema").
		WillReturnError(sql.ErrConnDone)

	if err := d.AppendSystemEvent(ctx, "broker started"); err == nil {
		t.Error("AppendSystemEvent() error = nil, want error")
	}
}
