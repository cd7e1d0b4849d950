package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"
)

const sheet = "Registros"

var headers = []string{
	"Ticket",
	"Fecha",
	"Hora",
	"Código",
	"Agricultor",
	"Placa",
	"Racimos",
	"Kilos",
	"Transportador",
	"Revalidado",
	"PDF",
}

// Entry is one registered ticket
type Entry struct {
	TicketID      string
	Fecha         string
	Hora          string
	Codigo        string
	Nombre        string
	Placa         string
	Racimos       string
	Kilos         string
	Transportador string
	Revalidado    bool
	PDF           string
}

func (e Entry) values() []any {
	revalidado := "No"
	if e.Revalidado {
		revalidado = "Sí"
	}
	return []any{
		e.TicketID,
		e.Fecha,
		e.Hora,
		e.Codigo,
		e.Nombre,
		e.Placa,
		e.Racimos,
		e.Kilos,
		e.Transportador,
		revalidado,
		e.PDF,
	}
}

// Workbook appends registrations to an XLSX file, one row per ticket
type Workbook struct {
	path string
	mu   sync.Mutex
}

// NewWorkbook creates a ledger writing to path. The file is created on
// the first Append.
func NewWorkbook(path string) *Workbook {
	return &Workbook{path: path}
}

// open loads the workbook or starts a new one with the header row
func (w *Workbook) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(w.path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	f = excelize.NewFile()
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, fmt.Errorf("creating ledger sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("creating ledger sheet: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	_ = f.SetColWidth(sheet, "A", "A", 38)
	_ = f.SetColWidth(sheet, "D", "E", 24)
	_ = f.SetColWidth(sheet, "K", "K", 40)
	return f, nil
}

// Append writes entry below the last row
func (w *Workbook) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.open()
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("reading ledger rows: %w", err)
	}
	row := len(rows) + 1
	for i, v := range entry.values() {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("writing ledger cell %s: %w", cell, err)
		}
	}

	if err := f.SaveAs(w.path); err != nil {
		return fmt.Errorf("saving ledger: %w", err)
	}
	slog.Info("Ledger row appended", "path", w.path, "row", row, "codigo", entry.Codigo)
	return nil
}
