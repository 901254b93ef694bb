package prompts

// sceneTemplate asks the vision model to describe a camera frame.
const sceneTemplate = "描述图像中的场景"

// ScenePrompt returns the instruction sent alongside a camera snapshot.
func ScenePrompt() string {
	return sceneTemplate
}
