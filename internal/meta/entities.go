package meta

// The structs below define the schema for every replicated table. They are
// automigrated by both the server metadata store and client replica stores so
// the two sides stay structurally identical. Runtime reads and writes go
// through Table.StorageName with field maps; the structs exist for schema
// ownership, not as a query DTO layer.
//
// Base-scoped tables key their rows on (id, base_id): the surrogate id is
// only unique within a base, so the same id may exist under two bases
// without colliding. Only the bases table itself has a globally unique id.

// Base is the (workspace, base) identity record. It is the one replicated
// table bootstrap upserts instead of wiping.
type Base struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_bases_workspace"`
	Title            string `gorm:"column:title;size:190;not null"`
	Meta             string `gorm:"column:meta;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Base) TableName() string {
	return TableBases.StorageName()
}

// Source binds a base to an underlying data source.
type Source struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	BaseID           string `gorm:"column:base_id;primaryKey;size:190;not null;index:idx_sources_base"`
	Alias            string `gorm:"column:alias;size:190;not null"`
	Type             string `gorm:"column:type;size:64;not null"`
	Config           string `gorm:"column:config;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Source) TableName() string {
	return TableSources.StorageName()
}

// Model is a table definition within a base.
type Model struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	BaseID           string `gorm:"column:base_id;primaryKey;size:190;not null;index:idx_models_base"`
	SourceID         string `gorm:"column:source_id;size:190;not null;default:''"`
	Title            string `gorm:"column:title;size:190;not null"`
	Type             string `gorm:"column:type;size:64;not null;default:'table'"`
	Order            int64  `gorm:"column:display_order;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Model) TableName() string {
	return TableModels.StorageName()
}

// Column is a column definition within a model.
type Column struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	BaseID           string `gorm:"column:base_id;primaryKey;size:190;not null;index:idx_columns_base"`
	ModelID          string `gorm:"column:model_id;size:190;not null;index:idx_columns_model"`
	Title            string `gorm:"column:title;size:190;not null"`
	DataType         string `gorm:"column:data_type;size:64;not null;default:'text'"`
	Order            int64  `gorm:"column:display_order;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Column) TableName() string {
	return TableColumns.StorageName()
}

// View is a saved view over a model.
type View struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	BaseID           string `gorm:"column:base_id;primaryKey;size:190;not null;index:idx_views_base"`
	ModelID          string `gorm:"column:model_id;size:190;not null"`
	Title            string `gorm:"column:title;size:190;not null"`
	Type             string `gorm:"column:type;size:64;not null;default:'grid'"`
	IsDefault        bool   `gorm:"column:is_default;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (View) TableName() string {
	return TableViews.StorageName()
}

// Filter is a filter expression attached to a view.
type Filter struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	BaseID           string `gorm:"column:base_id;primaryKey;size:190;not null;index:idx_filters_base"`
	ViewID           string `gorm:"column:view_id;size:190;not null"`
	ColumnID         string `gorm:"column:column_id;size:190;not null"`
	Comparison       string `gorm:"column:comparison;size:64;not null"`
	Value            string `gorm:"column:value;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Filter) TableName() string {
	return TableFilters.StorageName()
}

// Sort is a sort clause attached to a view.
type Sort struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	BaseID           string `gorm:"column:base_id;primaryKey;size:190;not null;index:idx_sorts_base"`
	ViewID           string `gorm:"column:view_id;size:190;not null"`
	ColumnID         string `gorm:"column:column_id;size:190;not null"`
	Direction        string `gorm:"column:direction;size:8;not null;default:'asc'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Sort) TableName() string {
	return TableSorts.StorageName()
}

// BaseUser is a base membership row. Unlike the other replicated tables it
// carries no surrogate id: the natural key is (base_id, fk_user_id).
type BaseUser struct {
	BaseID           string `gorm:"column:base_id;primaryKey;size:190;not null"`
	FkUserID         string `gorm:"column:fk_user_id;primaryKey;size:190;not null"`
	Roles            string `gorm:"column:roles;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (BaseUser) TableName() string {
	return TableBaseUsers.StorageName()
}

// ReplicatedModels returns one schema struct per replicated table, in
// ReplicatedTables order, for automigration.
func ReplicatedModels() []any {
	return []any{
		&Base{},
		&Source{},
		&Model{},
		&Column{},
		&View{},
		&Filter{},
		&Sort{},
		&BaseUser{},
	}
}
