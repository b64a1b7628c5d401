package notify

import (
	"strings"

	"github.com/g960059/tmuxgate/internal/model"
)

const maxTopicBytes = 65535

// Topic suffixes below the configured prefix.
const (
	TopicSession        = "session"
	TopicCommand        = "command"
	TopicTask           = "task"
	TopicFiles          = "files"
	TopicTest           = "test"
	TopicControlCommand = "control/command"
)

// ValidateTopic checks a publish topic.
func ValidateTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return model.NewError(model.KindBadRequest, model.ReasonMalformed, nil)
	}
	return nil
}

// ValidateFilter checks a subscription filter. Catch-all and broker-internal
// filters are refused.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}
	if filter == "#" || filter == "+" || strings.HasPrefix(filter, "+/#") {
		return model.NewError(model.KindBadRequest, model.ReasonNotAllowed, nil)
	}
	segments := strings.Split(filter, "/")
	for i, seg := range segments {
		switch {
		case seg == "#" && i != len(segments)-1:
			return model.NewError(model.KindBadRequest, model.ReasonMalformed, nil)
		case seg != "#" && seg != "+" && strings.ContainsAny(seg, "+#"):
			return model.NewError(model.KindBadRequest, model.ReasonMalformed, nil)
		}
	}
	return nil
}

func validateCommon(topic string) error {
	if topic == "" || len(topic) > maxTopicBytes {
		return model.NewError(model.KindBadRequest, model.ReasonMalformed, nil)
	}
	if strings.ContainsRune(topic, 0) {
		return model.NewError(model.KindBadRequest, model.ReasonControlCharacter, nil)
	}
	if strings.HasPrefix(topic, "$") {
		return model.NewError(model.KindBadRequest, model.ReasonNotAllowed, nil)
	}
	for _, seg := range strings.Split(topic, "/") {
		if seg == ".." {
			return model.NewError(model.KindBadRequest, model.ReasonMalformed, nil)
		}
	}
	return nil
}

// JoinTopic places suffix under prefix with a single separator.
func JoinTopic(prefix, suffix string) string {
	prefix = strings.Trim(prefix, "/")
	suffix = strings.Trim(suffix, "/")
	if prefix == "" {
		return suffix
	}
	if suffix == "" {
		return prefix
	}
	return prefix + "/" + suffix
}
