package bridge

// ResourceKey derives the serialization key for a tool call from its
// arguments. Scene paths take precedence over resource paths; calls with
// neither return "" and are not serialized.
func ResourceKey(args map[string]any) string {
	if p := firstString(args, "scenePath", "scene_path"); p != "" {
		return "scene:" + p
	}
	if p := firstString(args, "resourcePath", "resource_path"); p != "" {
		return "resource:" + p
	}
	return ""
}

func firstString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
