package middleware

import (
	"context"
	"errors"
	"net/http"

	"stakeledger/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"
)

// Error renders the last error attached with c.Error as the standard error body.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		be := toBaseError(c.Errors.Last().Err)
		if be.Code.HTTPStatus() >= http.StatusInternalServerError {
			zap.L().Error("request failed",
				zap.String("request_id", RequestIDFrom(c.Request.Context())),
				zap.String("path", c.FullPath()),
				zap.Error(be),
			)
			be.Err = nil
		}

		c.AbortWithStatusJSON(be.Code.HTTPStatus(), be.JSON())
	}
}

func toBaseError(err error) errutil.BaseError {
	var be errutil.BaseError
	if errors.As(err, &be) {
		return be
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errutil.BaseError{Code: errutil.StatusNotFound, Message: "resource not found"}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errutil.BaseError{Code: errutil.StatusConflict, Message: "resource already exists"}
	default:
		return errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error", Err: err}
	}
}

// ErrorInterceptor converts handler errors into gRPC status errors.
func ErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		return resp, errutil.ToGRPCError(err)
	}
}
