package store

// DeepMerge implements the deep object merge from spec.md §4.10: recursively
// merges keyed objects with the custom value winning at leaf positions;
// non-object values replace the default wholesale; arrays are replaced, not
// merged; explicit nulls on the custom side are preserved.
func DeepMerge(def, custom interface{}) interface{} {
	defObj, defIsObj := def.(map[string]interface{})
	customObj, customIsObj := custom.(map[string]interface{})

	if !defIsObj || !customIsObj {
		if custom == nil {
			return custom
		}
		return custom
	}

	merged := make(map[string]interface{}, len(defObj)+len(customObj))
	for k, v := range defObj {
		merged[k] = v
	}
	for k, customVal := range customObj {
		if defVal, ok := merged[k]; ok {
			merged[k] = DeepMerge(defVal, customVal)
		} else {
			merged[k] = customVal
		}
	}
	return merged
}
