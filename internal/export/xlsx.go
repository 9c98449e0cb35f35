package export

import (
	"fmt"
	"io"
	"time"

	"qms/entry-queue/internal/models"

	"github.com/xuri/excelize/v2"
)

const SheetName = "tickets"

var ticketColumns = []string{
	"display_id", "guest_name", "adult_count", "child_count", "party_size",
	"scheduled_time", "status", "created_at", "called_at", "entered_at",
}

// WriteTickets renders every ticket as one row of an XLSX workbook.
func WriteTickets(out io.Writer, tickets []models.Ticket) error {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeRow(file, 1, toCells(ticketColumns)); err != nil {
		return err
	}
	if style, err := file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		end, _ := excelize.CoordinatesToCellName(len(ticketColumns), 1)
		_ = file.SetCellStyle(SheetName, "A1", end, style)
	}

	for i, ticket := range tickets {
		row := []interface{}{
			ticket.DisplayID,
			ticket.GuestName,
			ticket.AdultCount,
			ticket.ChildCount,
			ticket.PartySize(),
			ticket.ScheduledTime,
			string(ticket.Status),
			formatTime(&ticket.CreatedAt),
			formatTime(ticket.CalledAt),
			formatTime(ticket.EnteredAt),
		}
		if err := writeRow(file, i+2, row); err != nil {
			return err
		}
	}
	return file.Write(out)
}

func writeRow(file *excelize.File, rowNum int, values []interface{}) error {
	for i, value := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, rowNum)
		if err != nil {
			return err
		}
		if err := file.SetCellValue(SheetName, cell, value); err != nil {
			return err
		}
	}
	return nil
}

func toCells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
