package topics

// Global is the dashboard-wide channel for events without a single owner.
const Global = "dashboard"

func DeviceReadings(deviceID string) string { return "devices/" + deviceID + "/readings" }
func DeviceAlerts(deviceID string) string   { return "devices/" + deviceID + "/alerts" }
func PlantAlerts(plantID string) string     { return "plants/" + plantID + "/alerts" }
func UserReadings(userID string) string     { return "users/" + userID + "/readings" }
func UserAlerts(userID string) string       { return "users/" + userID + "/alerts" }
