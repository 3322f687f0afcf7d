package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Recording holds the schema definition for a recorded session.
type Recording struct{ ent.Schema }

// Fields of the Recording.
func (Recording) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").NotEmpty().Immutable(),
		field.String("name"),
		// Unix milliseconds; integers keep SQLite and Postgres in step.
		field.Int64("start_time"),
		field.Int64("end_time").Default(0),
		field.Int("frame_count").NonNegative(),
		field.Float("frame_rate").Default(0),
		field.JSON("viewport", map[string]any{}),
		field.JSON("environment", map[string]string{}).Optional(),
		field.JSON("events", []map[string]any{}).Optional(),
		field.JSON("errors", []map[string]any{}).Optional(),
	}
}

// Edges of the Recording.
func (Recording) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("frames", Frame.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Recording.
func (Recording) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("start_time"),
	}
}
