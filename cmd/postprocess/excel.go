package postprocess

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"
)

type workbookSheet struct {
	name    string
	records [][]string
}

// writeWorkbook writes one sheet per output table into a single xlsx file.
// Numeric cells are written as numbers so spreadsheet formulas work on them.
func writeWorkbook(path string, sheets []workbookSheet) (err error) {
	wb := excelize.NewFile()
	defer wb.Close()
	for i, sheet := range sheets {
		if i == 0 {
			if err = wb.SetSheetName("Sheet1", sheet.name); err != nil {
				return
			}
		} else {
			if _, err = wb.NewSheet(sheet.name); err != nil {
				return
			}
		}
		for row, record := range sheet.records {
			for col, field := range record {
				var cell string
				if cell, err = excelize.CoordinatesToCellName(col+1, row+1); err != nil {
					return
				}
				if value, parseErr := strconv.ParseFloat(field, 64); parseErr == nil && row > 0 {
					err = wb.SetCellValue(sheet.name, cell, value)
				} else {
					err = wb.SetCellValue(sheet.name, cell, field)
				}
				if err != nil {
					return
				}
			}
		}
	}
	if err = wb.SaveAs(path); err != nil {
		err = fmt.Errorf("failed to write workbook: %w", err)
	}
	return
}
