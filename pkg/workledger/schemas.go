package workledger

// Payload schemas for the pack's command types, validated by the runtime
// before dispatch. Handlers can then trust payload shape and keep their
// preconditions about state, not structure.
const (
	schemaCreate = `{
		"type": "object",
		"required": ["work_id"],
		"properties": {
			"work_id": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"dependencies": {"type": "array", "items": {"type": "string"}}
		}
	}`

	schemaDependency = `{
		"type": "object",
		"required": ["work_id", "dep_id"],
		"properties": {
			"work_id": {"type": "string", "minLength": 1},
			"dep_id": {"type": "string", "minLength": 1}
		}
	}`

	schemaBlock = `{
		"type": "object",
		"required": ["work_id"],
		"properties": {
			"work_id": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`

	schemaItemRef = `{
		"type": "object",
		"required": ["work_id"],
		"properties": {
			"work_id": {"type": "string", "minLength": 1}
		}
	}`
)

func (p *Pack) Schemas() map[string]string {
	return map[string]string{
		CommandCreate:           schemaCreate,
		CommandAddDependency:    schemaDependency,
		CommandRemoveDependency: schemaDependency,
		CommandBlock:            schemaBlock,
		CommandUnblock:          schemaItemRef,
		CommandComplete:         schemaItemRef,
	}
}
