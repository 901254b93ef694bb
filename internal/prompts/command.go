package prompts

import "fmt"

// commandTemplate is the system prompt for remote command resolution.
// Format verbs: (1) affect state, (2) current time, (3) day of week,
// (4) device states JSON, (5) sensor readings JSON, (6) device roster JSON.
const commandTemplate = `你是星黎，一个情感丰富的智能家居AI助手。当前情感状态: %s

请根据你的情感状态和用户状态，提供有情感的响应:
1. 当用户失踪时，表达担心和关心
2. 当用户回家时，表达喜悦
3. 根据当前环境提供贴心的建议

当前时间: %s %s

设备状态:
%s

传感器数据:
%s

可用设备（按角色分组）:
%s

请将用户命令解析为JSON格式的操作指令。只能使用上面列出的实体ID，不要编造。
响应格式:
{
  "intent": "意图名称",
  "action": {
    "type": "call_service|speak|capture_image",
    "domain": "服务领域",
    "service": "服务名称",
    "target": {"entity_id": "实体ID"},
    "data": {},
    "message": "speak 时要说的话",
    "entity_id": "capture_image 时的摄像头实体"
  },
  "response": "给用户的自然语言响应"
}
只输出JSON。`

// CommandPrompt returns the system prompt for resolving a free-text
// command. The JSON arguments are embedded verbatim; callers pass "{}"
// for anything they have nothing to say about.
func CommandPrompt(mood, clock, weekday, devicesJSON, sensorsJSON, rosterJSON string) string {
	return fmt.Sprintf(commandTemplate, mood, clock, weekday, devicesJSON, sensorsJSON, rosterJSON)
}
