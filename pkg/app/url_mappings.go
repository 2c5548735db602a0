package app

import (
	"github.com/osvaldoandrade/tiledetect/internal/controllers"
	"github.com/osvaldoandrade/tiledetect/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", controllers.NewHealthController(app.Detections).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	create := controllers.NewCreateDetectionController(app.Detections, app.Config.Upload.MaxBytes).Handle
	rateLimit := middleware.RateLimitDetect(app.RateLimiter, app.Config)
	canDetect := middleware.RequireScope(app.Config.Auth.DetectScope)

	api := app.Engine.Group("", middleware.AuthMiddleware(app.Validator))
	{
		v1 := api.Group("/v1")
		v1.POST("/detections", canDetect, rateLimit, create)
		v1.GET("/detections/:id", controllers.NewGetDetectionController(app.Detections).Handle)
		v1.GET("/detections/:id/artifacts/:kind", controllers.NewDetectionArtifactController(app.Detections).Handle)

		api.GET("/artifacts/:name", controllers.NewServeArtifactController(app.Artifacts, "artifacts").Handle)

		// Routes kept for clients of the original service.
		api.POST("/predict_image", canDetect, rateLimit, create)
		api.GET("/output_image/:name", controllers.NewServeArtifactController(app.Artifacts, "output_image").Handle)
	}
}
