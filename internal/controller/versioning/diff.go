package versioning

import (
	"reflect"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
)

// Change is the before and after value of a single leaf. Old is nil when the leaf is new.
type Change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff compares two JSON documents leaf by leaf and returns the changed leaves keyed by their
// slash-separated path, e.g. "/loadProfile/targetRps". Only the keys of the new document are
// walked, so a key that exists only in the old document is not reported as a change. Arrays are
// compared element-wise over the indices of the new array. A value whose type changes, e.g. a
// number replaced by an object, is reported as a single change at its own path.
func Diff(oldJson string, newJson string) (map[string]Change, error) {
	if !gjson.Valid(oldJson) {
		return nil, lgerrors.ErrInvalidArgument("oldJson", oldJson, "not a valid JSON document")
	}
	if !gjson.Valid(newJson) {
		return nil, lgerrors.ErrInvalidArgument("newJson", newJson, "not a valid JSON document")
	}
	changes := make(map[string]Change)
	compare("", gjson.Parse(oldJson), gjson.Parse(newJson), changes)
	return changes, nil
}

func compare(path string, old gjson.Result, new gjson.Result, changes map[string]Change) {
	if reflect.DeepEqual(old.Value(), new.Value()) {
		return
	}
	switch {
	case !descend(old, new):
		if path == "" {
			path = "/"
		}
		changes[path] = Change{Old: old.Value(), New: new.Value()}
	case new.IsObject():
		oldFields := old.Map()
		new.ForEach(func(key, value gjson.Result) bool {
			compare(path+"/"+key.String(), oldFields[key.String()], value, changes)
			return true
		})
	case new.IsArray():
		oldItems := old.Array()
		for i, item := range new.Array() {
			var oldItem gjson.Result
			if i < len(oldItems) {
				oldItem = oldItems[i]
			}
			compare(path+"/"+strconv.Itoa(i), oldItem, item, changes)
		}
	}
}

// descend reports whether new is a container whose leaves should be compared one by one: old has
// the same container kind, or old is absent or null and new has leaves to report.
func descend(old gjson.Result, new gjson.Result) bool {
	absent := old.Type == gjson.Null
	switch {
	case new.IsObject():
		if absent {
			return len(new.Map()) > 0
		}
		return old.IsObject()
	case new.IsArray():
		if absent {
			return len(new.Array()) > 0
		}
		return old.IsArray()
	}
	return false
}
