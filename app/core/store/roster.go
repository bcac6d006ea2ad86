package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsdesk/app/pkg/types"
)

// Snapshot performs one read across the roster: every member with declared
// skills and the count of currently open assigned tasks. Staleness against
// concurrent commits is acceptable; the commit step re-validates identities.
func (s *Store) Snapshot(ctx context.Context, memberLimit int) (types.WorkloadSnapshot, error) {
	if memberLimit <= 0 {
		memberLimit = 50
	}

	rows, err := s.db.Conn().QueryContext(ctx, `SELECT id, name, role FROM members ORDER BY created_at ASC, id ASC LIMIT ?`, memberLimit)
	if err != nil {
		return types.WorkloadSnapshot{}, fmt.Errorf("%w: read roster: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	snapshot := types.WorkloadSnapshot{TakenAt: time.Now().UTC()}
	index := map[string]int{}
	for rows.Next() {
		var m types.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Role); err != nil {
			return types.WorkloadSnapshot{}, fmt.Errorf("%w: scan member: %v", ErrStorageUnavailable, err)
		}
		index[m.ID] = len(snapshot.Members)
		snapshot.Members = append(snapshot.Members, m)
	}
	if err := rows.Err(); err != nil {
		return types.WorkloadSnapshot{}, fmt.Errorf("%w: read roster: %v", ErrStorageUnavailable, err)
	}

	if err := s.attachSkills(ctx, snapshot.Members, index); err != nil {
		return types.WorkloadSnapshot{}, err
	}
	if err := s.attachOpenCounts(ctx, snapshot.Members, index); err != nil {
		return types.WorkloadSnapshot{}, err
	}
	return snapshot, nil
}

func (s *Store) attachSkills(ctx context.Context, members []types.Member, index map[string]int) error {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT member_id, name, category, level, COALESCE(years, 0) FROM member_skills ORDER BY level DESC, name ASC`)
	if err != nil {
		return fmt.Errorf("%w: read skills: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			memberID string
			skill    types.Skill
		)
		if err := rows.Scan(&memberID, &skill.Name, &skill.Category, &skill.Level, &skill.Years); err != nil {
			return fmt.Errorf("%w: scan skill: %v", ErrStorageUnavailable, err)
		}
		if i, ok := index[memberID]; ok {
			members[i].Skills = append(members[i].Skills, skill)
		}
	}
	return rows.Err()
}

func (s *Store) attachOpenCounts(ctx context.Context, members []types.Member, index map[string]int) error {
	placeholders := make([]string, len(types.OpenStatuses))
	args := make([]interface{}, len(types.OpenStatuses))
	for i, status := range types.OpenStatuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	query := fmt.Sprintf(`SELECT assignee_id, COUNT(*) FROM tasks WHERE assignee_id IS NOT NULL AND status IN (%s) GROUP BY assignee_id`, strings.Join(placeholders, ", "))

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: read open counts: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			memberID string
			count    int
		)
		if err := rows.Scan(&memberID, &count); err != nil {
			return fmt.Errorf("%w: scan open count: %v", ErrStorageUnavailable, err)
		}
		if i, ok := index[memberID]; ok {
			members[i].OpenTaskCount = count
		}
	}
	return rows.Err()
}

// AddMember inserts a roster member with declared skills.
func (s *Store) AddMember(ctx context.Context, member types.Member) error {
	if strings.TrimSpace(member.ID) == "" {
		member.ID = "mem-" + uuid.NewString()
	}
	if strings.TrimSpace(member.Name) == "" {
		return fmt.Errorf("member name is required")
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `INSERT INTO members (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		member.ID, member.Name, member.Role, now); err != nil {
		return err
	}
	for _, skill := range member.Skills {
		level := skill.Level
		if level < 1 {
			level = 1
		}
		if level > 5 {
			level = 5
		}
		var years sql.NullFloat64
		if skill.Years > 0 {
			years = sql.NullFloat64{Float64: skill.Years, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO member_skills (id, member_id, name, category, level, years) VALUES (?, ?, ?, ?, ?, ?)`,
			"skl-"+uuid.NewString(), member.ID, skill.Name, skill.Category, level, years); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SeedRoster installs a small dev roster when the members table is empty.
// Idempotent; a populated table is left untouched.
func (s *Store) SeedRoster(ctx context.Context) error {
	var count int
	if err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&count); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if count > 0 {
		return nil
	}

	seed := []types.Member{
		{
			ID:   "mem-seed-alice",
			Name: "Alice Novak",
			Role: "Accountant",
			Skills: []types.Skill{
				{Name: "Accounting", Category: "financial", Level: 5, Years: 8},
				{Name: "Payroll", Category: "financial", Level: 4, Years: 6},
			},
		},
		{
			ID:   "mem-seed-bruno",
			Name: "Bruno Keller",
			Role: "Engineer",
			Skills: []types.Skill{
				{Name: "Software Engineering", Category: "technical", Level: 5, Years: 10},
				{Name: "DevOps", Category: "technical", Level: 3, Years: 4},
			},
		},
		{
			ID:   "mem-seed-carla",
			Name: "Carla Diaz",
			Role: "Office Administrator",
			Skills: []types.Skill{
				{Name: "Administration", Category: "administrative", Level: 4, Years: 7},
				{Name: "Legal Filing", Category: "legal", Level: 2, Years: 2},
			},
		},
	}
	for _, member := range seed {
		if err := s.AddMember(ctx, member); err != nil {
			return err
		}
	}
	return nil
}
