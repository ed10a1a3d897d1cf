// Package clientstore persists the registry of metering devices and the tables they are written to.
package clientstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/theplant/appkit/logtracing"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Pablovelazquezb/electro"
)

// ErrClientExists is wrapped by Create when the name or the derived table is taken
var ErrClientExists = errors.New("a client with that name or table already exists")

// maxTableNameLength is the longest identifier Postgres keeps without truncating
const maxTableNameLength = 63

func validateDataTable(table string) error {
	if table == (Client{}).TableName() {
		return errors.Errorf("table name %s is reserved", table)
	}
	if len(table) > maxTableNameLength {
		return errors.Errorf("table name %s exceeds maximum length of %d bytes", table, maxTableNameLength)
	}
	return nil
}

// Client is the row of the clients table
type Client struct {
	ID        string                       `gorm:"type:uuid;primaryKey"`
	Name      string                       `gorm:"not null;uniqueIndex"`
	URL       string                       `gorm:"not null"`
	DataTable string                       `gorm:"not null;uniqueIndex"`
	Columns   datatypes.JSONType[[]string] `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Client) TableName() string { return "clients" }

// BeforeCreate assigns a random id
func (c *Client) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (c *Client) toDomain() *electro.Client {
	columns := c.Columns.Data()
	if columns == nil {
		columns = []string{}
	}
	return &electro.Client{
		ID:        c.ID,
		Name:      c.Name,
		URL:       c.URL,
		DataTable: c.DataTable,
		Columns:   columns,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// Config represents the configuration of a Store
type Config struct {
	DB *gorm.DB
}

// Store implements electro.ClientStore on gorm
type Store struct {
	*Config
}

var _ electro.ClientStore = (*Store)(nil)

// New creates a Store
func New(conf *Config) (*Store, error) {
	if conf == nil {
		return nil, errors.New("config is required")
	}
	if conf.DB == nil {
		return nil, errors.New("db is required")
	}
	return &Store{Config: conf}, nil
}

// Migrate creates or updates the clients table
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.DB.WithContext(ctx).AutoMigrate(&Client{}); err != nil {
		return errors.Wrap(err, "failed to migrate clients table")
	}
	return nil
}

func notFound(id string) error {
	return &electro.Error{Kind: electro.KindNotFound, Message: "client " + id + " not found"}
}

// List returns every client, newest first
func (s *Store) List(ctx context.Context) ([]*electro.Client, error) {
	var rows []*Client
	if err := s.DB.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list clients")
	}
	return lo.Map(rows, func(c *Client, _ int) *electro.Client { return c.toDomain() }), nil
}

// Get returns the client with id or an error of kind electro.KindNotFound
func (s *Store) Get(ctx context.Context, id string) (*electro.Client, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}
	var row Client
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(id)
		}
		return nil, errors.Wrapf(err, "failed to get client %s", id)
	}
	return row.toDomain(), nil
}

// Create registers a device. The data table is derived from name with electro.SanitizeTableName.
func (s *Store) Create(ctx context.Context, name, url string) (_ *electro.Client, xerr error) {
	ctx, _ = logtracing.StartSpan(ctx, "clientstore.Create")
	defer func() {
		logtracing.AppendSpanKVs(ctx, "name", name, "url", url)
		logtracing.EndSpan(ctx, xerr)
	}()

	name, url = strings.TrimSpace(name), strings.TrimSpace(url)
	if name == "" || url == "" {
		return nil, &electro.Error{Kind: electro.KindInvalidRequest, Message: "name and url are required"}
	}

	row := &Client{
		Name:      name,
		URL:       url,
		DataTable: electro.SanitizeTableName(name),
		Columns:   datatypes.NewJSONType([]string{}),
	}
	if err := validateDataTable(row.DataTable); err != nil {
		return nil, &electro.Error{Kind: electro.KindInvalidRequest, Message: "client " + name + " rejected", Table: row.DataTable, Err: err}
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Client{}).
			Where("name = ? OR data_table = ?", row.Name, row.DataTable).
			Count(&count).Error; err != nil {
			return errors.Wrap(err, "failed to check existing clients")
		}
		if count > 0 {
			return &electro.Error{Kind: electro.KindInvalidRequest, Message: "client " + name + " rejected", Table: row.DataTable, Err: ErrClientExists}
		}
		if err := tx.Create(row).Error; err != nil {
			return errors.Wrapf(err, "failed to create client %s", name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// ClientUpdate holds the fields Update changes; nil fields are kept
type ClientUpdate struct {
	Name *string
	URL  *string
}

// Update changes the name and/or url of a client. The data table never changes.
func (s *Store) Update(ctx context.Context, id string, upd ClientUpdate) (*electro.Client, error) {
	updates := map[string]any{}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) != "" {
		updates["name"] = strings.TrimSpace(*upd.Name)
	}
	if upd.URL != nil && strings.TrimSpace(*upd.URL) != "" {
		updates["url"] = strings.TrimSpace(*upd.URL)
	}
	if len(updates) == 0 {
		return nil, &electro.Error{Kind: electro.KindInvalidRequest, Message: "no data to update"}
	}

	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).Model(&Client{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to update client %s", id)
	}
	return s.Get(ctx, id)
}

// Delete removes a client. Its data table is left in place.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return notFound(id)
	}
	result := s.DB.WithContext(ctx).Where("id = ?", id).Delete(&Client{})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to delete client %s", id)
	}
	if result.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

// UpdateColumns records the raw register labels of the last successful extraction
func (s *Store) UpdateColumns(ctx context.Context, id string, columns []string) error {
	if columns == nil {
		columns = []string{}
	}
	result := s.DB.WithContext(ctx).Model(&Client{}).Where("id = ?", id).
		Update("columns", datatypes.NewJSONType(columns))
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update columns of client %s", id)
	}
	if result.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}
