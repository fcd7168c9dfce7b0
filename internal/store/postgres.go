package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/jamilxt/spring-chat/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_users (
	id       UUID PRIMARY KEY,
	username TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS group_channels (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	version    BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_group_channels_updated_at
	ON group_channels (updated_at DESC);

CREATE TABLE IF NOT EXISTS group_channel_members (
	channel_id UUID NOT NULL REFERENCES group_channels (id),
	user_id    UUID NOT NULL REFERENCES chat_users (id),
	PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS group_channel_invited (
	channel_id UUID NOT NULL REFERENCES group_channels (id),
	user_id    UUID NOT NULL REFERENCES chat_users (id),
	PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS group_messages (
	id         UUID PRIMARY KEY,
	channel_id UUID NOT NULL REFERENCES group_channels (id),
	from_user  UUID REFERENCES chat_users (id),
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_group_messages_channel
	ON group_messages (channel_id, id);
`

// Postgres implements UserStore and ChannelStore on top of lib/pq. Message
// ids are v7 uuids, so ordering by id reproduces append order.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// EnsureSchema creates the tables and indexes if they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username FROM chat_users WHERE id = $1`, id,
	).Scan(&u.ID, &u.UserName)
	if err == sql.ErrNoRows {
		return nil, domain.NewUserDoesNotExist("user %s does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", id, err)
	}
	return &u, nil
}

func (p *Postgres) FindUserByName(ctx context.Context, name string) (*domain.User, error) {
	var u domain.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username FROM chat_users WHERE username = $1`, name,
	).Scan(&u.ID, &u.UserName)
	if err == sql.ErrNoRows {
		return nil, domain.NewUserDoesNotExist("user %q does not exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", name, err)
	}
	return &u, nil
}

func (p *Postgres) FindChannelByID(ctx context.Context, id uuid.UUID) (*domain.GroupChannel, error) {
	ch := &domain.GroupChannel{
		ID:      id,
		Members: make(map[uuid.UUID]domain.User),
		Invited: make(map[uuid.UUID]domain.User),
	}
	err := p.db.QueryRowContext(ctx,
		`SELECT name, created_at, updated_at, version FROM group_channels WHERE id = $1`, id,
	).Scan(&ch.Name, &ch.CreatedAt, &ch.UpdatedAt, &ch.Version)
	if err == sql.ErrNoRows {
		return nil, domain.NewChannelDoesNotExist("channel %s does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find channel %s: %w", id, err)
	}

	if err := p.loadUserSet(ctx, "group_channel_members", id, ch.Members); err != nil {
		return nil, err
	}
	if err := p.loadUserSet(ctx, "group_channel_invited", id, ch.Invited); err != nil {
		return nil, err
	}
	if err := p.loadMessages(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (p *Postgres) loadUserSet(ctx context.Context, table string, channelID uuid.UUID, into map[uuid.UUID]domain.User) error {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT u.id, u.username FROM %s s JOIN chat_users u ON u.id = s.user_id WHERE s.channel_id = $1`, table,
	), channelID)
	if err != nil {
		return fmt.Errorf("load %s of channel %s: %w", table, channelID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.UserName); err != nil {
			return fmt.Errorf("scan %s row: %w", table, err)
		}
		into[u.ID] = u
	}
	return rows.Err()
}

func (p *Postgres) loadMessages(ctx context.Context, ch *domain.GroupChannel) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT m.id, m.from_user, u.username, m.kind, m.content, m.created_at
		   FROM group_messages m
		   LEFT JOIN chat_users u ON u.id = m.from_user
		  WHERE m.channel_id = $1
		  ORDER BY m.id`, ch.ID)
	if err != nil {
		return fmt.Errorf("load messages of channel %s: %w", ch.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m        domain.GroupMessage
			fromID   sql.NullString
			fromName sql.NullString
		)
		if err := rows.Scan(&m.ID, &fromID, &fromName, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return fmt.Errorf("scan message row: %w", err)
		}
		m.ChannelID = ch.ID
		if fromID.Valid {
			id, err := uuid.Parse(fromID.String)
			if err != nil {
				return fmt.Errorf("message %s carries malformed from_user: %w", m.ID, err)
			}
			m.From = &domain.User{ID: id, UserName: fromName.String}
		}
		ch.Messages = append(ch.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ch.Messages) > 0 {
		ch.LastMessage = &ch.Messages[len(ch.Messages)-1]
	}
	return nil
}

func (p *Postgres) Save(ctx context.Context, ch *domain.GroupChannel) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save of channel %s: %w", ch.ID, err)
	}
	defer tx.Rollback()

	if ch.Version == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO group_channels (id, name, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, 1)`,
			ch.ID, ch.Name, ch.CreatedAt, ch.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert channel %s: %w", ch.ID, err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE group_channels SET name = $2, updated_at = $3, version = version + 1
			  WHERE id = $1 AND version = $4`,
			ch.ID, ch.Name, ch.UpdatedAt, ch.Version)
		if err != nil {
			return fmt.Errorf("update channel %s: %w", ch.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update channel %s: %w", ch.ID, err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
	}

	if err := p.replaceUserSet(ctx, tx, "group_channel_members", ch.ID, ch.Members); err != nil {
		return err
	}
	if err := p.replaceUserSet(ctx, tx, "group_channel_invited", ch.ID, ch.Invited); err != nil {
		return err
	}

	// Messages are append-only; rows that already exist are left untouched.
	for i := range ch.Messages {
		m := &ch.Messages[i]
		var fromID any
		if m.From != nil {
			fromID = m.From.ID
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO group_messages (id, channel_id, from_user, kind, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, ch.ID, fromID, m.Kind, m.Content, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save of channel %s: %w", ch.ID, err)
	}
	ch.Version++
	return nil
}

func (p *Postgres) replaceUserSet(ctx context.Context, tx *sql.Tx, table string, channelID uuid.UUID, set map[uuid.UUID]domain.User) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE channel_id = $1`, table), channelID); err != nil {
		return fmt.Errorf("clear %s of channel %s: %w", table, channelID, err)
	}
	for id := range set {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (channel_id, user_id) VALUES ($1, $2)`, table), channelID, id); err != nil {
			return fmt.Errorf("insert into %s of channel %s: %w", table, channelID, err)
		}
	}
	return nil
}

func (p *Postgres) FindChannelsByMember(ctx context.Context, userID uuid.UUID, since time.Time, page domain.PageRequest) (Slice[*domain.GroupChannel], error) {
	var out Slice[*domain.GroupChannel]

	// Fetch one extra row to derive HasNext without a count query.
	rows, err := p.db.QueryContext(ctx,
		`SELECT c.id
		   FROM group_channels c
		   JOIN group_channel_members m ON m.channel_id = c.id
		  WHERE m.user_id = $1 AND c.updated_at >= $2
		  ORDER BY c.updated_at DESC
		  LIMIT $3 OFFSET $4`,
		userID, since, page.Size+1, page.Page*page.Size)
	if err != nil {
		return out, fmt.Errorf("find channels of user %s: %w", userID, err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, page.Size+1)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return out, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	hasNext := len(ids) > page.Size
	if hasNext {
		ids = ids[:page.Size]
	}

	items := make([]*domain.GroupChannel, 0, len(ids))
	for _, id := range ids {
		ch, err := p.FindChannelByID(ctx, id)
		if err != nil {
			return out, err
		}
		items = append(items, ch)
	}

	return Slice[*domain.GroupChannel]{
		CurrentPage: page.Page,
		PageSize:    page.Size,
		HasNext:     hasNext,
		Items:       items,
	}, nil
}
