package logger

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var log = logrus.New()

func init() {
	log.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	}
}

// Setup configures level and output. When file is set, logs are written to
// stdout and to a rotating file.
func Setup(level, file string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}

	if file == "" {
		log.SetOutput(os.Stdout)
		return
	}

	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    64,
		MaxBackups: 7,
		MaxAge:     7,
		Compress:   false,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotating))
}

// L returns the shared logger.
func L() *logrus.Logger {
	return log
}

// Component returns an entry tagged with the emitting component.
func Component(name string) *logrus.Entry {
	return log.WithField("component", name)
}

// Print returns an entry carrying request details when c is not nil.
func Print(c *gin.Context) *logrus.Entry {
	if c == nil {
		return logrus.NewEntry(log)
	}
	return log.WithFields(logrus.Fields{
		"remote_ip": c.ClientIP(),
		"method":    c.Request.Method,
		"uri":       c.Request.RequestURI,
	})
}
