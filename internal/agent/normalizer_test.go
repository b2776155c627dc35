package agent

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/haasonsaas/anvil/pkg/models"
)

func toolUse(id, name string) models.ContentBlock {
	return models.ToolUseBlock(id, name, json.RawMessage(`{}`))
}

func TestNormalizePassesMatchedBatch(t *testing.T) {
	messages := []*models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage([]models.ContentBlock{toolUse("t1", "bash")}),
		models.NewUserBlocksMessage(models.ToolResultBlock("t1", "ok", false)),
	}
	out, err := Normalize(messages)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
}

func TestNormalizeStripsFullyOrphanedToolUse(t *testing.T) {
	messages := []*models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage([]models.ContentBlock{
			models.TextBlock("let me check"),
			toolUse("t1", "bash"),
		}),
	}
	out, err := Normalize(messages)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	last := out[1]
	if len(last.Content) != 1 || last.Content[0].Type != models.BlockText {
		t.Fatalf("tool_use not stripped: %+v", last.Content)
	}
}

func TestNormalizeDropsEmptyStrippedMessage(t *testing.T) {
	messages := []*models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage([]models.ContentBlock{toolUse("t1", "bash")}),
	}
	out, err := Normalize(messages)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1 (assistant dropped)", len(out))
	}
}

func TestNormalizeRepairsPartialBatch(t *testing.T) {
	messages := []*models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage([]models.ContentBlock{
			toolUse("t1", "bash"),
			toolUse("t2", "read_file"),
		}),
		models.NewUserBlocksMessage(models.ToolResultBlock("t1", "ok", false)),
	}
	out, err := Normalize(messages)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	synthetic := out[3]
	if synthetic.Role != models.RoleUser {
		t.Fatalf("synthetic message role = %s", synthetic.Role)
	}
	block := synthetic.Content[0]
	if block.ToolUseID != "t2" || !block.IsError || block.Content != interruptedResultContent {
		t.Fatalf("unexpected synthetic result: %+v", block)
	}
}

func TestNormalizeDropsProgressMessages(t *testing.T) {
	messages := []*models.Message{
		models.NewUserMessage("hello"),
		models.NewProgressMessage("t1", "working..."),
	}
	out, err := Normalize(messages)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("progress message survived: %d messages", len(out))
	}
}

func TestNormalizeIsFixedPoint(t *testing.T) {
	messages := []*models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage([]models.ContentBlock{
			toolUse("t1", "bash"),
			toolUse("t2", "bash"),
		}),
		models.NewUserBlocksMessage(models.ToolResultBlock("t1", "ok", false)),
		models.NewProgressMessage("t1", "spin"),
		models.NewAssistantMessage([]models.ContentBlock{toolUse("t3", "bash")}),
	}
	once, err := Normalize(messages)
	if err != nil {
		t.Fatalf("first Normalize: %v", err)
	}
	twice, err := Normalize(once)
	if err != nil {
		t.Fatalf("second Normalize: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not a fixed point:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestNormalizeRejectsMalformedBlocks(t *testing.T) {
	bad := models.NewAssistantMessage([]models.ContentBlock{
		{Type: models.BlockToolUse, Name: "bash"}, // missing id
	})
	if _, err := Normalize([]*models.Message{bad}); err == nil {
		t.Fatal("expected NormalizationError for tool_use without id")
	}

	badRole := &models.Message{Role: "system"}
	if _, err := Normalize([]*models.Message{badRole}); err == nil {
		t.Fatal("expected NormalizationError for unknown role")
	}
}
