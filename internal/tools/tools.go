package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emberfell/hearthgate/internal/homeassistant"
	"github.com/emberfell/hearthgate/internal/validation"
)

// todoHandler is the integration that provisions local todo lists.
const todoHandler = "local_todo"

type GetEntityStateInput struct {
	EntityID string `json:"entity_id" jsonschema:"entity identifier, e.g. light.living_room"`
}

type ListEntitiesInput struct {
	Domain string `json:"domain,omitempty" jsonschema:"optional domain filter, e.g. light"`
}

type CallServiceInput struct {
	Domain   string         `json:"domain" jsonschema:"service domain, e.g. switch"`
	Service  string         `json:"service" jsonschema:"service name, e.g. turn_off"`
	EntityID string         `json:"entity_id,omitempty" jsonschema:"optional target entity"`
	Data     map[string]any `json:"data,omitempty" jsonschema:"optional service data"`
}

type ControlLightInput struct {
	EntityID   string `json:"entity_id" jsonschema:"light entity, e.g. light.living_room"`
	Action     string `json:"action" jsonschema:"one of turn_on, turn_off, toggle"`
	Brightness *int   `json:"brightness,omitempty" jsonschema:"brightness from 0 to 255"`
	ColorTemp  *int   `json:"color_temp,omitempty" jsonschema:"color temperature in mireds, 153 to 500"`
}

type SetClimateInput struct {
	EntityID    string  `json:"entity_id" jsonschema:"climate entity, e.g. climate.living_room"`
	Temperature float64 `json:"temperature" jsonschema:"target temperature in celsius, 7 to 35"`
}

type ActivateSceneInput struct {
	EntityID string `json:"entity_id" jsonschema:"scene entity, e.g. scene.movie_night"`
}

type GetHistoryInput struct {
	EntityID string `json:"entity_id" jsonschema:"entity identifier"`
	Hours    int    `json:"hours,omitempty" jsonschema:"lookback window in hours, 1 to 168, default 24"`
}

type CreateTodoListInput struct {
	Name string `json:"name" jsonschema:"name of the todo list to create"`
}

func (s *Service) handleGetEntityState(ctx context.Context, req *mcp.CallToolRequest, in GetEntityStateInput) (*mcp.CallToolResult, any, error) {
	if err := validation.Apply("entity_id", in.EntityID, validation.NotEmpty(), validation.EntityID()); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.allow(ctx, "get_entity_state"); err != nil {
		return s.fail(ctx, err)
	}

	var state *homeassistant.EntityState
	err := s.call(ctx, "get_entity_state", func(ctx context.Context) error {
		var opErr error
		state, opErr = s.connector.GetState(ctx, in.EntityID)
		return opErr
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	return textResult(formatEntityState(state)), nil, nil
}

func (s *Service) handleListEntities(ctx context.Context, req *mcp.CallToolRequest, in ListEntitiesInput) (*mcp.CallToolResult, any, error) {
	if in.Domain != "" {
		if err := validation.Apply("domain", in.Domain, validation.KnownDomain()); err != nil {
			return s.fail(ctx, err)
		}
	}

	if err := s.allow(ctx, "list_entities"); err != nil {
		return s.fail(ctx, err)
	}

	var states []homeassistant.EntityState
	err := s.call(ctx, "list_entities", func(ctx context.Context) error {
		var opErr error
		states, opErr = s.connector.ListStates(ctx)
		return opErr
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	if in.Domain != "" {
		filtered := states[:0]
		for _, state := range states {
			if validation.Domain(state.EntityID) == in.Domain {
				filtered = append(filtered, state)
			}
		}
		states = filtered
	}

	return textResult(formatEntityList(in.Domain, states)), nil, nil
}

func (s *Service) handleCallService(ctx context.Context, req *mcp.CallToolRequest, in CallServiceInput) (*mcp.CallToolResult, any, error) {
	if err := validation.Apply("domain", in.Domain, validation.NotEmpty()); err != nil {
		return s.fail(ctx, err)
	}

	wellFormed := validation.Rule{
		Check:   func(service string) bool { return validation.IsEntityID(in.Domain + "." + service) },
		Message: "must form a well-formed service call like switch.turn_off",
	}
	if err := validation.Apply("service", in.Service, validation.NotEmpty(), wellFormed); err != nil {
		return s.fail(ctx, err)
	}

	if err := validation.CheckService(in.Domain, in.Service); err != nil {
		return s.fail(ctx, err)
	}

	if in.EntityID != "" {
		if err := validation.Apply("entity_id", in.EntityID, validation.EntityID()); err != nil {
			return s.fail(ctx, err)
		}
	}

	data := sanitizeData(in.Data)
	if in.EntityID != "" {
		data["entity_id"] = in.EntityID
	}

	if err := s.allow(ctx, "call_service"); err != nil {
		return s.fail(ctx, err)
	}

	err := s.call(ctx, "call_service", func(ctx context.Context) error {
		return s.connector.CallService(ctx, in.Domain, in.Service, data)
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	target := in.EntityID
	if target == "" {
		target = "no specific entity"
	}

	return textResult(fmt.Sprintf("Called %s.%s on %s", in.Domain, in.Service, target)), nil, nil
}

func (s *Service) handleControlLight(ctx context.Context, req *mcp.CallToolRequest, in ControlLightInput) (*mcp.CallToolResult, any, error) {
	if err := validation.Apply("entity_id", in.EntityID, validation.NotEmpty(), validation.EntityID(), validation.InDomain("light")); err != nil {
		return s.fail(ctx, err)
	}

	if err := validation.Apply("action", in.Action, validation.OneOf("turn_on", "turn_off", "toggle")); err != nil {
		return s.fail(ctx, err)
	}

	data := map[string]any{"entity_id": in.EntityID}

	if in.Brightness != nil {
		if err := validation.Range("brightness", float64(*in.Brightness), 0, 255); err != nil {
			return s.fail(ctx, err)
		}
		data["brightness"] = *in.Brightness
	}

	if in.ColorTemp != nil {
		if err := validation.Range("color_temp", float64(*in.ColorTemp), 153, 500); err != nil {
			return s.fail(ctx, err)
		}
		data["color_temp"] = *in.ColorTemp
	}

	if err := s.allow(ctx, "control_light"); err != nil {
		return s.fail(ctx, err)
	}

	err := s.call(ctx, "control_light", func(ctx context.Context) error {
		return s.connector.CallService(ctx, "light", in.Action, data)
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	return textResult(fmt.Sprintf("Applied %s to %s", in.Action, in.EntityID)), nil, nil
}

func (s *Service) handleSetClimate(ctx context.Context, req *mcp.CallToolRequest, in SetClimateInput) (*mcp.CallToolResult, any, error) {
	if err := validation.Apply("entity_id", in.EntityID, validation.NotEmpty(), validation.EntityID(), validation.InDomain("climate")); err != nil {
		return s.fail(ctx, err)
	}

	if err := validation.Range("temperature", in.Temperature, 7, 35); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.allow(ctx, "set_climate"); err != nil {
		return s.fail(ctx, err)
	}

	err := s.call(ctx, "set_climate", func(ctx context.Context) error {
		return s.connector.CallService(ctx, "climate", "set_temperature", map[string]any{
			"entity_id":   in.EntityID,
			"temperature": in.Temperature,
		})
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	return textResult(fmt.Sprintf("Set %s to %g°C", in.EntityID, in.Temperature)), nil, nil
}

func (s *Service) handleActivateScene(ctx context.Context, req *mcp.CallToolRequest, in ActivateSceneInput) (*mcp.CallToolResult, any, error) {
	if err := validation.Apply("entity_id", in.EntityID, validation.NotEmpty(), validation.EntityID(), validation.InDomain("scene")); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.allow(ctx, "activate_scene"); err != nil {
		return s.fail(ctx, err)
	}

	err := s.call(ctx, "activate_scene", func(ctx context.Context) error {
		return s.connector.CallService(ctx, "scene", "turn_on", map[string]any{"entity_id": in.EntityID})
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	return textResult(fmt.Sprintf("Activated %s", in.EntityID)), nil, nil
}

func (s *Service) handleGetHistory(ctx context.Context, req *mcp.CallToolRequest, in GetHistoryInput) (*mcp.CallToolResult, any, error) {
	if err := validation.Apply("entity_id", in.EntityID, validation.NotEmpty(), validation.EntityID()); err != nil {
		return s.fail(ctx, err)
	}

	hours := in.Hours
	if hours == 0 {
		hours = 24
	}
	if err := validation.Range("hours", float64(hours), 1, 168); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.allow(ctx, "get_history"); err != nil {
		return s.fail(ctx, err)
	}

	var history [][]homeassistant.EntityState
	err := s.call(ctx, "get_history", func(ctx context.Context) error {
		var opErr error
		history, opErr = s.connector.History(ctx, in.EntityID, hours)
		return opErr
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	return textResult(formatHistory(in.EntityID, hours, history)), nil, nil
}

func (s *Service) handleCreateTodoList(ctx context.Context, req *mcp.CallToolRequest, in CreateTodoListInput) (*mcp.CallToolResult, any, error) {
	name := validation.Sanitize(strings.TrimSpace(in.Name))
	if err := validation.Apply("name", name, validation.NotEmpty()); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.allow(ctx, "create_todo_list"); err != nil {
		return s.fail(ctx, err)
	}

	// The negotiation is a multi-step session with its own deadline; it is
	// never retried, a second run could provision a duplicate list.
	outcome, err := s.negotiator.CreateResource(ctx, todoHandler, name)
	if err != nil {
		return s.fail(ctx, err)
	}

	if !outcome.Created {
		return textResult(fmt.Sprintf("Home Assistant declined to create the list: %s", outcome.Reason)), nil, nil
	}

	title := outcome.Title
	if title == "" {
		title = name
	}

	return textResult(fmt.Sprintf("Created todo list %q", title)), nil, nil
}

// sanitizeData strips markup-significant characters from string values
// before they travel upstream. Free text only appears at the top level of
// service data.
func sanitizeData(data map[string]any) map[string]any {
	clean := make(map[string]any, len(data))
	for key, value := range data {
		if text, ok := value.(string); ok {
			clean[key] = validation.Sanitize(text)
			continue
		}
		clean[key] = value
	}

	return clean
}

func formatEntityState(state *homeassistant.EntityState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is %s", state.EntityID, state.State)

	if name := state.FriendlyName(); name != state.EntityID {
		fmt.Fprintf(&b, " (%s)", name)
	}

	keys := make([]string, 0, len(state.Attributes))
	for key := range state.Attributes {
		if key == "friendly_name" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fmt.Fprintf(&b, "\n  %s: %v", key, state.Attributes[key])
	}

	return b.String()
}

func formatEntityList(domain string, states []homeassistant.EntityState) string {
	if len(states) == 0 {
		if domain != "" {
			return fmt.Sprintf("No %s entities found", domain)
		}
		return "No entities found"
	}

	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })

	var b strings.Builder
	if domain != "" {
		fmt.Fprintf(&b, "%d %s entities:", len(states), domain)
	} else {
		fmt.Fprintf(&b, "%d entities:", len(states))
	}

	for _, state := range states {
		fmt.Fprintf(&b, "\n%s: %s", state.EntityID, state.State)
		if name := state.FriendlyName(); name != state.EntityID {
			fmt.Fprintf(&b, " (%s)", name)
		}
	}

	return b.String()
}

// formatHistory flattens the per-entity groups the recorder API returns and
// renders the most recent points.
func formatHistory(entityID string, hours int, groups [][]homeassistant.EntityState) string {
	var points []homeassistant.EntityState
	for _, group := range groups {
		points = append(points, group...)
	}

	if len(points) == 0 {
		return fmt.Sprintf("No recorded history for %s in the last %d hours", entityID, hours)
	}

	const maxPoints = 50

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d recorded points over the last %d hours", entityID, len(points), hours)

	shown := points
	if len(points) > maxPoints {
		shown = points[len(points)-maxPoints:]
		fmt.Fprintf(&b, " (showing the %d most recent)", maxPoints)
	}

	for _, point := range shown {
		b.WriteString("\n  ")
		if point.LastChanged != "" {
			fmt.Fprintf(&b, "%s  %s", point.LastChanged, point.State)
			continue
		}
		b.WriteString(point.State)
	}

	return b.String()
}
