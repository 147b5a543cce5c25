// Package report renders attendance listings as spreadsheets.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"classattend/internal/model"
)

// SheetName is the worksheet holding the records.
const SheetName = "Attendance"

// ContentType is the media type of WriteXLSX output.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var headers = []string{"Record", "Session", "Student", "Name", "Marked at (UTC)", "Geo", "Network", "Biometric", "Distance (m)", "Network name"}

// WriteXLSX writes recs as a single-sheet workbook. names maps student ids to
// display names; unknown ids leave the name column empty.
func WriteXLSX(w io.Writer, recs []model.AttendanceRecord, names map[string]string) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return err
		}
	}

	for idx, r := range recs {
		row := []any{
			r.ID,
			r.SessionID,
			r.StudentID,
			names[r.StudentID],
			r.MarkedAt.UTC().Format(time.DateTime),
			yesNo(r.GeoValid),
			yesNo(r.NetworkValid),
			yesNo(r.BiometricValid),
			fmt.Sprintf("%.1f", r.DistanceMeters),
			r.Network,
		}
		cell, _ := excelize.CoordinatesToCellName(1, idx+2)
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", idx+2, err)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "C", 38)
	_ = f.SetColWidth(SheetName, "D", "D", 24)
	_ = f.SetColWidth(SheetName, "E", "E", 20)

	return f.Write(w)
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
