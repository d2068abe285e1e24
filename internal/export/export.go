package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"claim-intake-server/internal/db"
)

const leadsSheet = "Leads"

var leadColumns = []string{
	"ID", "Created", "Status", "Name", "Phone", "Email",
	"Year", "Make", "Model", "Trim", "Mileage",
	"Accident date", "Insurer", "Injured", "Injury", "Estimated ACV",
	"Source", "Notes", "Session",
}

// LeadsWorkbook writes leads into a single-sheet XLSX file, one row per lead.
func LeadsWorkbook(leads []db.Lead) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(leadsSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	index, err := f.GetSheetIndex(leadsSheet)
	if err != nil {
		return nil, fmt.Errorf("locate sheet: %w", err)
	}
	f.SetActiveSheet(index)

	for i, header := range leadColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(leadsSheet, cell, header); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for r, lead := range leads {
		row := leadRow(lead)
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(leadsSheet, cell, v); err != nil {
				return nil, fmt.Errorf("write lead %s: %w", lead.ID, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf, nil
}

func leadRow(l db.Lead) []any {
	injured := "no"
	if l.Injured {
		injured = "yes"
	}
	var year, mileage any
	if l.VehicleYear != 0 {
		year = l.VehicleYear
	}
	if l.VehicleMileage != 0 {
		mileage = l.VehicleMileage
	}
	var acv any
	if l.EstimatedACV > 0 {
		acv = l.EstimatedACV
	}
	return []any{
		l.ID, l.CreatedAt.Format("2006-01-02 15:04"), l.Status, l.Name, l.Phone, l.Email,
		year, l.VehicleMake, l.VehicleModel, l.VehicleTrim, mileage,
		l.AccidentDate, l.InsuranceCompany, injured, l.InjuryDescription, acv,
		l.Source, l.Notes, l.SessionID,
	}
}
