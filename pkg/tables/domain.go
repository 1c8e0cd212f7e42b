package tables

// The replicated domain schema. Server and replica migrate these tables
// identically; the sync protocol refuses changes for anything else.

// Users is the account table.
var Users = Descriptor{
	Name:       "users",
	PrimaryKey: "id",
	Columns: []Column{
		{Name: "id", Type: Text},
		{Name: "name", Type: Text},
		{Name: "email", Type: Text},
		{Name: "updated_at", Type: Integer},
	},
}

// Projects groups tasks.
var Projects = Descriptor{
	Name:       "projects",
	PrimaryKey: "id",
	Columns: []Column{
		{Name: "id", Type: Text},
		{Name: "name", Type: Text},
		{Name: "owner_id", Type: Text},
		{Name: "archived", Type: Boolean},
		{Name: "updated_at", Type: Integer},
	},
}

// Tasks is the main work table.
var Tasks = Descriptor{
	Name:       "tasks",
	PrimaryKey: "id",
	Columns: []Column{
		{Name: "id", Type: Text},
		{Name: "project_id", Type: Text},
		{Name: "title", Type: Text},
		{Name: "status", Type: Text},
		{Name: "assignee_id", Type: Text},
		{Name: "due_at", Type: Integer},
		{Name: "updated_at", Type: Integer},
	},
}

// Default is the registry both binaries share.
var Default = NewRegistry(Users, Projects, Tasks)
