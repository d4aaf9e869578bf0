package models

import "encoding/json"

func optionIntValue(o Option) int {
	var i int
	if err := json.Unmarshal(o.Value, &i); err == nil {
		return i
	}
	withID := struct {
		ID int `json:"id"`
	}{}
	if err := json.Unmarshal(o.Value, &withID); err == nil {
		return withID.ID
	}
	return 0
}

// SceneFromOption builds a scene reference from a scene capability option.
// Dynamic scene values are objects carrying an id; DIY scene values are bare ids.
func SceneFromOption(o Option, diy bool) SceneRef {
	scene := SceneRef{ID: optionIntValue(o), Name: o.Name, DIY: diy}
	if !diy && len(o.Value) > 0 && o.Value[0] == '{' {
		scene.Value = append(json.RawMessage(nil), o.Value...)
	}
	return scene
}
