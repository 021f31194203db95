package marshal

// Value recursively walks v, replacing any live reference (Function, Promise,
// AsyncIterator) with its protocol-neutral ref and registering the
// correlated callback ids via reg. Containers (slices and
// map[string]any) are walked element-by-element so references nested inside
// arbitrary shapes round-trip correctly; every other supported kind (§8) is
// returned unchanged, since it is already wire-representable by the codec one
// layer up.
func Value(reg Registrar, v any) (any, error) {
	switch tv := v.(type) {
	case nil:
		return nil, nil
	case Function:
		cbID := reg.RegisterFunction(tv)
		return FunctionRef{CallbackID: cbID}, nil
	case Promise:
		promiseID, resolveID := reg.RegisterPromise(tv)
		return PromiseRef{PromiseID: promiseID, ResolveCallbackID: resolveID}, nil
	case AsyncIterator:
		iterID, nextID, returnID := reg.RegisterIterator(tv)
		return AsyncIteratorRef{IteratorID: iterID, NextCallbackID: nextID, ReturnCallbackID: returnID}, nil
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			mv, err := Value(reg, elem)
			if err != nil {
				return nil, err
			}
			out[i] = mv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			mv, err := Value(reg, elem)
			if err != nil {
				return nil, err
			}
			out[k] = mv
		}
		return out, nil
	default:
		// Round-trippable leaf kinds (Date, Regexp, URL, ByteBuffer, BigInt,
		// Headers, Request, Response, File, undefinedType) and any wire
		// primitive pass through unchanged; the codec layer already knows how
		// to encode them.
		return v, nil
	}
}

// Values maps Value over a slice, used for callback argument vectors.
func Values(reg Registrar, vs []any) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		mv, err := Value(reg, v)
		if err != nil {
			return nil, err
		}
		out[i] = mv
	}
	return out, nil
}
