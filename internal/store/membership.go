package store

import (
	"context"
	"database/sql"
	"fmt"

	"authsync/internal/access"
)

// MembershipPager pages through the effective members of a group: every user
// holding membership in the group or any of its ancestors, each with the
// maximum access level across that chain. Pages are keyset-ordered by
// user_id, so a user appears in exactly one page and pagination survives a
// restart from the last seen id.
type MembershipPager struct {
	db       *sql.DB
	groupID  int64
	pageSize int
	after    int64
	done     bool
}

// EffectiveMembers returns a pager over the group's resolved membership.
// pageSize bounds memory and downstream transaction size.
func (s *PostgresStore) EffectiveMembers(groupID int64, pageSize int) *MembershipPager {
	return &MembershipPager{db: s.db, groupID: groupID, pageSize: pageSize}
}

// NextPage returns the next page of members, or an empty slice once the
// sequence is exhausted.
func (p *MembershipPager) NextPage(ctx context.Context) ([]EffectiveMember, error) {
	if p.done {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		WITH RECURSIVE group_chain AS (
			SELECT id, parent_id
			FROM namespaces
			WHERE id=$1
			UNION
			SELECT n.id, n.parent_id
			FROM namespaces n
			JOIN group_chain gc ON n.id = gc.parent_id
		)
		SELECT m.user_id, MAX(m.access_level)
		FROM members m
		JOIN group_chain gc ON m.source_type='Namespace' AND m.source_id = gc.id
		WHERE m.user_id > $2
		GROUP BY m.user_id
		ORDER BY m.user_id ASC
		LIMIT $3
	`, p.groupID, p.after, p.pageSize)
	if err != nil {
		return nil, fmt.Errorf("page effective members: %w", err)
	}
	defer rows.Close()

	page := make([]EffectiveMember, 0, p.pageSize)
	for rows.Next() {
		var member EffectiveMember
		var level int
		if err := rows.Scan(&member.UserID, &level); err != nil {
			return nil, fmt.Errorf("scan effective member: %w", err)
		}
		member.AccessLevel = access.Level(level)
		page = append(page, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate effective members: %w", err)
	}

	if len(page) > 0 {
		p.after = page[len(page)-1].UserID
	}
	if len(page) < p.pageSize {
		p.done = true
	}
	return page, nil
}
