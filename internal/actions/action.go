// Package actions defines the side effects attached to rule matches and
// scenario branches, and the executor that applies them.
package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type is the wire discriminator of an action.
type Type string

const (
	TypeAddTag            Type = "add_tag"
	TypeRemoveTag         Type = "remove_tag"
	TypeUpdateField       Type = "update_field"
	TypeStartScenario     Type = "start_scenario"
	TypeStartStepCampaign Type = "start_step_campaign"
)

// ErrUnknownAction is returned when decoding an action with an unrecognised type.
var ErrUnknownAction = errors.New("actions: unknown action type")

// Action is a closed set of side effects. Only the types in this package
// implement it.
type Action interface {
	Type() Type
	validate() error
}

type AddTag struct {
	TagID string `json:"tag_id"`
}

type RemoveTag struct {
	TagID string `json:"tag_id"`
}

// UpdateField overwrites one key of the friend's metadata map.
type UpdateField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type StartScenario struct {
	ScenarioID string `json:"scenario_id"`
}

type StartStepCampaign struct {
	CampaignID string `json:"campaign_id"`
}

func (AddTag) Type() Type            { return TypeAddTag }
func (RemoveTag) Type() Type         { return TypeRemoveTag }
func (UpdateField) Type() Type       { return TypeUpdateField }
func (StartScenario) Type() Type     { return TypeStartScenario }
func (StartStepCampaign) Type() Type { return TypeStartStepCampaign }

func (a AddTag) validate() error            { return requireField("tag_id", a.TagID) }
func (a RemoveTag) validate() error         { return requireField("tag_id", a.TagID) }
func (a UpdateField) validate() error       { return requireField("name", a.Name) }
func (a StartScenario) validate() error     { return requireField("scenario_id", a.ScenarioID) }
func (a StartStepCampaign) validate() error { return requireField("campaign_id", a.CampaignID) }

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("actions: %s required", name)
	}
	return nil
}

// List is an ordered action list with a JSON form of
// [{"type":"add_tag","tag_id":"..."}, ...].
type List []Action

func (l List) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, a := range l {
		raw, err := marshalAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (l *List) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("actions: decode list: %w", err)
	}
	out := make(List, 0, len(raws))
	for i, raw := range raws {
		a, err := decodeAction(raw)
		if err != nil {
			return fmt.Errorf("actions: item %d: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

func marshalAction(a Action) (json.RawMessage, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("actions: encode %s: %w", a.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("actions: encode %s: %w", a.Type(), err)
	}
	typ, _ := json.Marshal(a.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

func decodeAction(raw json.RawMessage) (Action, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	var a Action
	switch head.Type {
	case TypeAddTag:
		var v AddTag
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		a = v
	case TypeRemoveTag:
		var v RemoveTag
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		a = v
	case TypeUpdateField:
		var v UpdateField
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		a = v
	case TypeStartScenario:
		var v StartScenario
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		a = v
	case TypeStartStepCampaign:
		var v StartStepCampaign
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		a = v
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, head.Type)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}
