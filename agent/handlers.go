package agent

import (
	"errors"

	"go.uber.org/zap"

	"github.com/tnt2402/jvm-explorer/api"
)

// handleListClasses streams a PROGRESS frame each time the completed
// percentage advances, then the full list.
func (a *Agent) handleListClasses(r *replier, _ api.Message) error {
	snapshot := a.runtime.Classes()
	total := len(snapshot)

	classes := make([]api.LoadedClass, 0, total)
	last := -1
	for i, c := range snapshot {
		classes = append(classes, c)
		if pct := (i + 1) * 100 / total; pct > last {
			r.send(&api.ProgressUpdate{Percent: uint8(pct)})
			last = pct
		}
		if r.err != nil {
			return nil
		}
	}
	if total == 0 {
		r.send(&api.ProgressUpdate{Percent: 100})
	}

	a.log.Debug("listed classes", zap.Int("count", total))
	r.send(&api.ClassesResult{Classes: classes})
	return nil
}

func (a *Agent) handleClassContent(r *replier, m api.Message) error {
	req := m.(*api.ClassContentRequest)
	content, err := a.runtime.Content(req.ClassName)
	if err != nil {
		return err
	}
	r.send(&api.ClassContentResult{Payload: content.Payload, Fields: content.Fields})
	return nil
}

func (a *Agent) handleEditField(r *replier, m api.Message) error {
	req := m.(*api.EditFieldRequest)
	err := a.runtime.SetField(req.ClassName, req.FieldName, req.Value)
	switch {
	case errors.Is(err, ErrNotWritable):
		r.send(&api.EditResult{Success: false, Message: err.Error()})
		return nil
	case err != nil:
		return err
	}
	a.log.Info("field written",
		zap.String("class", req.ClassName),
		zap.String("field", req.FieldName),
		zap.String("value", req.Value))
	r.send(&api.EditResult{Success: true})
	return nil
}
