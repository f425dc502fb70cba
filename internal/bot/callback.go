package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadCallback marks callback data that does not parse. The
// dispatcher answers it with a generic bad-action response.
var ErrBadCallback = errors.New("bad callback data")

// Callback is one decoded button press. The concrete type says which
// action was requested; fields carry its arguments.
type Callback interface{ callback() }

type (
	TabList      struct{}
	TabNew       struct{}
	TabSelect    struct{ TabID string }
	TabRename    struct{ TabID string }
	TabClose     struct{ TabID string }
	TabRecreate  struct{ TabID string }
	IntervalList struct{}
	IntervalSet  struct{ Interval string }
	RefreshNow   struct{}
	EditList     struct{ Page int }
	EditOpen     struct{ Path string }
	EditSave     struct{ EditID string }
	JobsList     struct{}
	JobsCtrlZ    struct{}
	JobsBg       struct{ JobID string }
	ModeSet      struct{ Mode string } // "claude" or "shell"
	PromptAction struct{ Action string }
)

func (TabList) callback()      {}
func (TabNew) callback()       {}
func (TabSelect) callback()    {}
func (TabRename) callback()    {}
func (TabClose) callback()     {}
func (TabRecreate) callback()  {}
func (IntervalList) callback() {}
func (IntervalSet) callback()  {}
func (RefreshNow) callback()   {}
func (EditList) callback()     {}
func (EditOpen) callback()     {}
func (EditSave) callback()     {}
func (JobsList) callback()     {}
func (JobsCtrlZ) callback()    {}
func (JobsBg) callback()       {}
func (ModeSet) callback()      {}
func (PromptAction) callback() {}

// ParseCallback decodes prefix-colon callback data. The grammar is
// flat: a family token, an action token, and at most one argument.
func ParseCallback(data string) (Callback, error) {
	family, rest, _ := strings.Cut(data, ":")
	switch family {
	case "tab":
		action, arg, hasArg := strings.Cut(rest, ":")
		switch {
		case action == "list" && !hasArg:
			return TabList{}, nil
		case action == "new" && !hasArg:
			return TabNew{}, nil
		case action == "select" && arg != "":
			return TabSelect{TabID: arg}, nil
		case action == "rename" && arg != "":
			return TabRename{TabID: arg}, nil
		case action == "close" && arg != "":
			return TabClose{TabID: arg}, nil
		case action == "recreate" && arg != "":
			return TabRecreate{TabID: arg}, nil
		}
	case "interval":
		action, arg, hasArg := strings.Cut(rest, ":")
		switch {
		case action == "list" && !hasArg:
			return IntervalList{}, nil
		case action == "set":
			switch arg {
			case "1m", "5m", "1h", "never":
				return IntervalSet{Interval: arg}, nil
			}
		}
	case "refresh":
		if rest == "now" {
			return RefreshNow{}, nil
		}
	case "edit":
		action, arg, hasArg := strings.Cut(rest, ":")
		switch {
		case action == "list" && !hasArg:
			return EditList{}, nil
		case action == "list":
			page, err := strconv.Atoi(arg)
			if err != nil || page < 0 {
				break
			}
			return EditList{Page: page}, nil
		case action == "open" && arg != "":
			return EditOpen{Path: arg}, nil
		case action == "save" && arg != "":
			return EditSave{EditID: arg}, nil
		}
	case "jobs":
		action, arg, hasArg := strings.Cut(rest, ":")
		switch {
		case action == "list" && !hasArg:
			return JobsList{}, nil
		case action == "ctrlz" && !hasArg:
			return JobsCtrlZ{}, nil
		case action == "bg" && arg != "":
			return JobsBg{JobID: arg}, nil
		}
	case "mode":
		switch rest {
		case "claude", "shell":
			return ModeSet{Mode: rest}, nil
		}
	case "prompt":
		if rest != "" {
			return PromptAction{Action: rest}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrBadCallback, data)
}
