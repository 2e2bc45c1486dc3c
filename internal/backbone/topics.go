package backbone

import "fmt"

// Topic and cache key names shared with producers. They are used verbatim on
// every driver.

func DeviceTopic(deviceCode string) string { return "topic:device:" + deviceCode }

func ResourceTopic(uuid string) string { return "topic:resource:" + uuid }

func ResourceIDTopic(id string) string { return "topic:resourceId:" + id }

func MergeTopic(token string) string { return "topic:merge:" + token }

func DeviceResultKey(deviceCode string) string {
	return fmt.Sprintf("cache:device:%s:result", deviceCode)
}

func MergeResultKey(token string) string {
	return fmt.Sprintf("cache:merge:%s:result", token)
}
