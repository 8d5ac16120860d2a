package notify

import (
	"teleconsulta/internal/core/domain"

	"go.uber.org/zap"
)

// LogNotifier writes every notice to the structured log.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(notice domain.Notice) {
	fields := []interface{}{
		"notice_id", notice.ID,
		"code", notice.Code,
		"title", notice.Title,
		"message", notice.Message,
	}
	if notice.RoomName != "" {
		fields = append(fields, "room_name", notice.RoomName)
	}

	switch notice.Kind {
	case domain.NoticeError:
		n.logger.Errorw("session notice", fields...)
	case domain.NoticeWarning:
		n.logger.Warnw("session notice", fields...)
	default:
		n.logger.Infow("session notice", fields...)
	}
}
