package notification

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	datamodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/notification"
	paymentmodel "github.com/frahmantamala/mpesa-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/mpesa-payments/internal/core/events"
	"github.com/frahmantamala/mpesa-payments/internal/paymentgateway"
)

const receiptSheet = "Receipt"

type ReceiptGenerator interface {
	GenerateReceipt(ctx context.Context, attempt paymentmodel.Attempt) ([]byte, error)
}

type ReceiptStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// XLSXReceiptGenerator renders a one-sheet workbook for a completed payment.
type XLSXReceiptGenerator struct {
	location *time.Location
}

func NewXLSXReceiptGenerator(location *time.Location) *XLSXReceiptGenerator {
	if location == nil {
		location = time.UTC
	}
	return &XLSXReceiptGenerator{location: location}
}

func (g *XLSXReceiptGenerator) GenerateReceipt(_ context.Context, attempt paymentmodel.Attempt) ([]byte, error) {
	// A refund may land before a retried receipt goes out.
	if attempt.Status != paymentmodel.StatusCompleted && attempt.Status != paymentmodel.StatusRefunded {
		return nil, fmt.Errorf("receipt requested for %s payment %s", attempt.Status, attempt.ExternalReference)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", receiptSheet); err != nil {
		return nil, err
	}

	completedAt := attempt.UpdatedAt
	if attempt.CompletedAt != nil {
		completedAt = *attempt.CompletedAt
	}

	rows := [][]interface{}{
		{"M-Pesa Payment Receipt", ""},
		{"Receipt Number", attempt.ReceiptNumber},
		{"Reference", attempt.ExternalReference},
		{"Account Reference", attempt.AccountReference},
		{"Description", attempt.Description},
		{"Amount", attempt.Amount},
		{"Currency", attempt.Currency},
		{"Phone", paymentgateway.MaskPhone(attempt.Phone)},
		{"Completed At", completedAt.In(g.location).Format("2006-01-02 15:04:05 MST")},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(receiptSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(receiptSheet, "A1", "A1", bold); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(receiptSheet, "A", "B", 28); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write receipt: %w", err)
	}
	return buf.Bytes(), nil
}

// LocalReceiptStore writes receipts under a directory on disk.
type LocalReceiptStore struct {
	dir string
}

func NewLocalReceiptStore(dir string) *LocalReceiptStore {
	return &LocalReceiptStore{dir: dir}
}

func (s *LocalReceiptStore) Save(_ context.Context, name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create receipt dir: %w", err)
	}
	path := filepath.Join(s.dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write receipt file: %w", err)
	}
	return path, nil
}

// ReceiptNotifier stores a receipt for every completed payment.
type ReceiptNotifier struct {
	generator ReceiptGenerator
	store     ReceiptStore
}

func NewReceiptNotifier(generator ReceiptGenerator, store ReceiptStore) *ReceiptNotifier {
	return &ReceiptNotifier{generator: generator, store: store}
}

func (n *ReceiptNotifier) Name() datamodel.Channel {
	return datamodel.ChannelReceipt
}

func (n *ReceiptNotifier) Wants(notice Notice) bool {
	return notice.EventType == events.EventTypePaymentCompleted
}

func (n *ReceiptNotifier) Notify(ctx context.Context, notice Notice) error {
	data, err := n.generator.GenerateReceipt(ctx, notice.Attempt)
	if err != nil {
		return err
	}
	_, err = n.store.Save(ctx, notice.Attempt.ExternalReference+".xlsx", data)
	return err
}
