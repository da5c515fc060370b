package logger

import (
	"time"

	"go.uber.org/zap"
)

func RequestID(v string) zap.Field { return zap.String("request_id", v) }

func Method(v string) zap.Field { return zap.String("method", v) }

func Path(v string) zap.Field { return zap.String("path", v) }

func Status(v int) zap.Field { return zap.Int("status", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

func ClientIP(v string) zap.Field { return zap.String("client_ip", v) }

func ClientID(v string) zap.Field { return zap.String("client_id", v) }

func SubjectID(v string) zap.Field { return zap.String("sub", v) }

func GrantID(v string) zap.Field { return zap.String("grant_id", v) }

func GrantType(v string) zap.Field { return zap.String("grant_type", v) }

func Scopes(v []string) zap.Field { return zap.Strings("scopes", v) }

func KeyID(v string) zap.Field { return zap.String("kid", v) }

// Op names the operation being performed, e.g. "token.exchange".
func Op(v string) zap.Field { return zap.String("op", v) }

// Layer names the architectural layer, e.g. "handler", "service", "repo".
func Layer(v string) zap.Field { return zap.String("layer", v) }

func Component(v string) zap.Field { return zap.String("component", v) }

func Err(err error) zap.Field { return zap.Error(err) }
