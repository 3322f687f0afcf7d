// Package migrate holds the SQL tables derived from internal/ent/schema,
// used to create and upgrade the recordings database.
package migrate

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// RecordingsColumns holds the columns for the "recordings" table.
	RecordingsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "name", Type: field.TypeString},
		{Name: "start_time", Type: field.TypeInt64},
		{Name: "end_time", Type: field.TypeInt64, Default: 0},
		{Name: "frame_count", Type: field.TypeInt},
		{Name: "frame_rate", Type: field.TypeFloat64, Default: 0},
		{Name: "viewport", Type: field.TypeJSON},
		{Name: "environment", Type: field.TypeJSON, Nullable: true},
		{Name: "events", Type: field.TypeJSON, Nullable: true},
		{Name: "errors", Type: field.TypeJSON, Nullable: true},
	}
	// RecordingsTable holds the schema information for the "recordings" table.
	RecordingsTable = &schema.Table{
		Name:       "recordings",
		Columns:    RecordingsColumns,
		PrimaryKey: []*schema.Column{RecordingsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "recording_start_time",
				Unique:  false,
				Columns: []*schema.Column{RecordingsColumns[2]},
			},
		},
	}
	// FramesColumns holds the columns for the "frames" table.
	FramesColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "frame_number", Type: field.TypeInt64},
		{Name: "timestamp_ms", Type: field.TypeFloat64},
		{Name: "payload", Type: field.TypeBytes},
		{Name: "compressed", Type: field.TypeBool, Default: false},
		{Name: "codec", Type: field.TypeString, Nullable: true},
		{Name: "original_size", Type: field.TypeInt},
		{Name: "compressed_size", Type: field.TypeInt},
		{Name: "events", Type: field.TypeJSON, Nullable: true},
		{Name: "recording_id", Type: field.TypeString},
	}
	// FramesTable holds the schema information for the "frames" table.
	FramesTable = &schema.Table{
		Name:       "frames",
		Columns:    FramesColumns,
		PrimaryKey: []*schema.Column{FramesColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "frames_recordings_frames",
				Columns:    []*schema.Column{FramesColumns[9]},
				RefColumns: []*schema.Column{RecordingsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "frame_recording_id_frame_number",
				Unique:  true,
				Columns: []*schema.Column{FramesColumns[9], FramesColumns[1]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		RecordingsTable,
		FramesTable,
	}
)

func init() {
	FramesTable.ForeignKeys[0].RefTable = RecordingsTable
}
