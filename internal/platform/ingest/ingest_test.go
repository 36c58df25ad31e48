package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

const claimsCSV = "\ufeffclaim_id,Encounter Type,service_date,national_id,member_id,facility_id,unique_id,diagnosis_codes,approval_number,service_code,Paid Amount (AED)\n" +
	"1,INPATIENT,5/1/2024,J45NUMBE,UZF615NA,0DBYE6KP,j45nf615e6kp,E66.9,NA,SRV1003,559.91\n" +
	",,,,,,,,,,\n" +
	"2,OUTPATIENT,2024-05-02,ABCD1234,WXYZ5678,OCQUMGDW,ABCD-Z567-MGDW,E66.3;E66.9,Obtain approval,SRV2002,100\n"

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{"claims.csv": FormatCSV, "Claims.XLSX": FormatXLSX}
	for name, want := range tests {
		got, err := DetectFormat(name)
		if err != nil || got != want {
			t.Errorf("%s: expected %s, got %s (%v)", name, want, got, err)
		}
	}
	if _, err := DetectFormat("claims.pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestHeaderKey(t *testing.T) {
	tests := map[string]string{
		"Paid Amount (AED)": "paid_amount_aed",
		" claim_id ":        "claim_id",
		"Encounter-Type":    "encounter_type",
		"UNIQUE ID":         "unique_id",
	}
	for in, want := range tests {
		if got := HeaderKey(in); got != want {
			t.Errorf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestReadCSV(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader(claimsCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows (blank row skipped), got %d", len(rows))
	}
	if rows[0]["claim_id"] != "1" {
		t.Errorf("BOM not stripped from first header: %v", rows[0])
	}
	if rows[0]["approval_number"] != "NA" {
		t.Errorf("expected NA to survive parsing, got %v", rows[0]["approval_number"])
	}
	if rows[0]["paid_amount_aed"] != "559.91" {
		t.Errorf("expected paid_amount_aed 559.91, got %v", rows[0]["paid_amount_aed"])
	}
	if rows[1]["encounter_type"] != "OUTPATIENT" {
		t.Errorf("unexpected encounter type %v", rows[1]["encounter_type"])
	}
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	data := [][]any{
		{"claim_id", "encounter_type", "service_code", "approval_number"},
		{"7", "INPATIENT", "SRV1001", "NA"},
		{},
		{"8", "OUTPATIENT", "SRV2002"},
	}
	for i, row := range data {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}

	rows, err := Read(&buf, FormatXLSX)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[0]["service_code"] != "SRV1001" || rows[1]["claim_id"] != "8" {
		t.Errorf("unexpected rows %v", rows)
	}
	if rows[1]["approval_number"] != "" {
		t.Errorf("short rows should pad with empty strings, got %v", rows[1]["approval_number"])
	}
}

func TestRead_Unsupported(t *testing.T) {
	if _, err := Read(strings.NewReader("x"), Format("pdf")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestReadCSV_Empty(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("")); err == nil {
		t.Error("expected error for empty input")
	}
}
