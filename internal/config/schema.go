package config

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["check_interval", "reminderconfig", "projects"],
  "properties": {
    "check_interval": {"type": "integer", "minimum": 1},
    "mailbox": {"type": "string"},
    "attachments_dir": {"type": "string"},
    "reminderconfig": {
      "type": "object",
      "properties": {
        "status_change": {"type": "boolean"},
        "priority_change": {"type": "boolean"},
        "assignee_change": {"type": "boolean"},
        "tracker_change": {"type": "boolean"},
        "notes_change": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "projects": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["enabled", "createdefault"],
        "properties": {
          "enabled": {"type": "boolean"},
          "emailignore": {
            "type": "object",
            "properties": {
              "startwith": {"type": "array", "items": {"type": "string", "minLength": 1}},
              "contain": {"type": "array", "items": {"type": "string", "minLength": 1}},
              "endwith": {"type": "array", "items": {"type": "string", "minLength": 1}}
            },
            "additionalProperties": false
          },
          "createdefault": {
            "type": "object",
            "required": ["status_id", "assigned_to_id", "tracker_id", "priority_id"],
            "properties": {
              "status_id": {"type": "integer"},
              "assigned_to_id": {"type": "integer"},
              "tracker_id": {"type": "integer"},
              "priority_id": {"type": "integer"},
              "business_unit": {"type": "string"}
            },
            "additionalProperties": false
          }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`
