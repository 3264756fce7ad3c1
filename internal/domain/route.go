package domain

// Route names a backend operation a job may execute. The set is closed:
// anything not listed here is rejected at submission.
type Route string

const (
	RouteStoryGenerate          Route = "/story/generate"
	RouteStoryRegenerate        Route = "/story/regenerate"
	RouteStoryRefineBeat        Route = "/story/refine-beat"
	RouteStorySceneDescriptions Route = "/story/generate-scene-descriptions"

	RouteProtagonist      Route = "/moodboard/generate-protagonist"
	RouteCharacter        Route = "/moodboard/generate-character"
	RouteRefineCharacter  Route = "/moodboard/refine-character"
	RouteLocation         Route = "/moodboard/generate-location"
	RouteRefineLocation   Route = "/moodboard/refine-location"
	RouteKeyMoment        Route = "/moodboard/generate-key-moment"
	RouteRefineKeyMoment  Route = "/moodboard/refine-key-moment"
	RouteSceneImages      Route = "/moodboard/generate-scene-images"
	RouteSceneImage       Route = "/moodboard/generate-scene-image"
	RouteRefineSceneImage Route = "/moodboard/refine-scene-image"

	RouteAssetImage Route = "/assets/generate-image"

	RouteFilmGenerate   Route = "/film/generate"
	RouteShotRegenerate Route = "/film/shot/regenerate"
	RouteClipGenerate   Route = "/film/generate-clip"
)

// Routes returns every route in declaration order.
func Routes() []Route {
	return []Route{
		RouteStoryGenerate, RouteStoryRegenerate, RouteStoryRefineBeat, RouteStorySceneDescriptions,
		RouteProtagonist, RouteCharacter, RouteRefineCharacter, RouteLocation, RouteRefineLocation,
		RouteKeyMoment, RouteRefineKeyMoment, RouteSceneImages, RouteSceneImage, RouteRefineSceneImage,
		RouteAssetImage,
		RouteFilmGenerate, RouteShotRegenerate, RouteClipGenerate,
	}
}

func (r Route) Category() Category {
	switch r {
	case RouteStoryGenerate, RouteStoryRegenerate, RouteStoryRefineBeat, RouteStorySceneDescriptions:
		return CategoryText
	case RouteFilmGenerate, RouteShotRegenerate, RouteClipGenerate:
		return CategoryVideo
	default:
		return CategoryImage
	}
}
