package csvparser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`[\w.+-]+@[\w.-]+\.\w+`)

// ParseRecipients reads an uploaded recipient list. A CSV whose header row
// has an "Email" column (case-insensitive) is read column-wise; anything else
// is scanned for email-looking tokens. Order and duplicates are preserved.
//
// maxRows limits how many recipients are returned.
func ParseRecipients(r io.Reader, maxRows int) ([]string, error) {
	if maxRows <= 0 {
		maxRows = 1000
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var recipients []string
	if hasEmailHeader(data) {
		recipients, err = parseEmailColumn(bytes.NewReader(data), maxRows)
		if err != nil {
			return nil, err
		}
	} else {
		recipients = ExtractAddresses(string(data), maxRows)
	}

	if len(recipients) == 0 {
		return nil, errors.New("no recipient addresses found")
	}

	return recipients, nil
}

// ExtractAddresses returns up to max email-looking tokens found in text.
func ExtractAddresses(text string, max int) []string {
	return addressPattern.FindAllString(text, max)
}

func hasEmailHeader(data []byte) bool {
	line, _, _ := bytes.Cut(data, []byte("\n"))
	reader := csv.NewReader(bytes.NewReader(line))
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return false
	}
	return emailColumn(headers) >= 0
}

func emailColumn(headers []string) int {
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			return i
		}
	}
	return -1
}

func parseEmailColumn(r io.Reader, maxRows int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	emailIdx := emailColumn(headers)
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	rows := make([]string, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}
		rows = append(rows, email)
	}

	return rows, nil
}
