package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

// roomState is the table row of one room snapshot.
type roomState struct {
	Room      string `gorm:"primaryKey;size:255"`
	Kind      string `gorm:"size:32;not null"`
	Status    string `gorm:"size:32;not null"`
	Version   uint64 `gorm:"not null"`
	State     []byte
	UpdatedAt time.Time
}

func (roomState) TableName() string {
	return "room_states"
}

// Postgres stores snapshots in a room_states table.
type Postgres struct {
	db *gorm.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects and migrates the room_states table.
func NewPostgres(ctx context.Context, option Option) (*Postgres, error) {
	connString, err := option.dsn()
	if err != nil {
		return nil, err
	}

	config := option.Config
	if config == nil {
		config = &gorm.Config{}
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.WithContext(ctx).AutoMigrate(&roomState{}); err != nil {
		return nil, errors.Wrap(err, "migrate room_states")
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Load(ctx context.Context, room string) (Record, error) {
	var row roomState
	err := p.db.WithContext(ctx).Where("room = ?", room).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "load room %s", room)
	}
	return Record{
		Room:      row.Room,
		Kind:      row.Kind,
		Status:    row.Status,
		Version:   row.Version,
		State:     row.State,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (p *Postgres) Save(ctx context.Context, rec Record) error {
	row := roomState{
		Room:      rec.Room,
		Kind:      rec.Kind,
		Status:    rec.Status,
		Version:   rec.Version,
		State:     rec.State,
		UpdatedAt: rec.UpdatedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}

	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "status", "version", "state", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "room_states.version <= excluded.version"},
		}},
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "save room %s", rec.Room)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, room string) error {
	if err := p.db.WithContext(ctx).Where("room = ?", room).Delete(&roomState{}).Error; err != nil {
		return errors.Wrapf(err, "delete room %s", room)
	}
	return nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
