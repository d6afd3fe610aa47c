package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveSummaries writes one session's summary rows in a single
// transaction so a crash never leaves a half-persisted session.
func (s *Storage) SaveSummaries(rows []SummaryRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin summary transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO session_summaries (id, session_id, student_id, skill_id, mastery, trend, confidence, sample_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare summary insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(
			row.ID,
			row.SessionID,
			row.StudentID,
			row.SkillID,
			row.Mastery,
			row.Trend,
			row.Confidence,
			row.SampleCount,
			row.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert summary %s: %w", row.ID, err)
		}
	}

	return tx.Commit()
}

// LatestSkillMastery returns the mastery recorded by the most recent
// summary for (studentID, skillID). The second return is false when no
// summary exists yet.
func (s *Storage) LatestSkillMastery(studentID, skillID string) (float64, bool, error) {
	var mastery float64
	err := s.db.QueryRow(`
		SELECT mastery FROM session_summaries
		WHERE student_id = ? AND skill_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, studentID, skillID).Scan(&mastery)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query latest mastery %s/%s: %w", studentID, skillID, err)
	}
	return mastery, true, nil
}

// SummariesForStudent returns the student's summary rows, newest first.
func (s *Storage) SummariesForStudent(studentID string, limit int) ([]SummaryRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, student_id, skill_id, mastery, trend, confidence, sample_count, created_at
		FROM session_summaries
		WHERE student_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries for %s: %w", studentID, err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var row SummaryRow
		if err := rows.Scan(
			&row.ID,
			&row.SessionID,
			&row.StudentID,
			&row.SkillID,
			&row.Mastery,
			&row.Trend,
			&row.Confidence,
			&row.SampleCount,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
