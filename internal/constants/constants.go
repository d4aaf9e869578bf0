package constants

import "time"

// cloud api
const APIBaseURL = "https://openapi.api.govee.com/router/api/v1"
const APIKeyHeader = "Govee-API-Key"
const APIRequestTimeout = 10 * time.Second
const APIMaxRetries = 2

const EndpointDevices = "/user/devices"
const EndpointDeviceState = "/device/state"
const EndpointDeviceControl = "/device/control"
const EndpointDynamicScenes = "/device/scenes"
const EndpointDIYScenes = "/device/diy-scenes"

// rate limits
const HeaderMinuteRemaining = "API-RateLimit-Remaining"
const HeaderMinuteReset = "API-RateLimit-Reset"
const HeaderDayRemaining = "X-RateLimit-Remaining"
const HeaderDayReset = "X-RateLimit-Reset"
const HeaderRetryAfter = "Retry-After"

const DefaultRequestsPerMinute = 100
const DefaultRequestsPerDay = 10000
const MinuteRemainingThreshold = 5
const DayRemainingThreshold = 100
const MaxDayLimitWait = time.Hour

// account api (push channel credentials)
const AccountBaseURL = "https://app2.govee.com"
const EndpointLogin = "/account/rest/account/v1/login"
const EndpointIotKey = "/app/v1/account/iot/key"
const EndpointAccountDevices = "/device/rest/devices/v1/list"
const AppVersion = "6.6.30"
const ClientTypeApp = "1"

// push channel
const IotEndpoint = "aqm3wd1qlc3dy-ats.iot.us-east-1.amazonaws.com"
const IotPort = 8883
const IotKeepAlive = 120 * time.Second
const IotConnectTimeout = 15 * time.Second
const IotPublishTimeout = 5 * time.Second
const IotDisconnectQuiesce = 250
const ReconnectBaseDelay = 5 * time.Second
const ReconnectMaxDelay = 300 * time.Second
const DegradedAfterAttempts = 3

const PushCmdTurn = "turn"
const PushCmdBrightness = "brightness"
const PushCmdColor = "colorwc"

// polling
const DefaultPollInterval = 60 * time.Second
const MinPollInterval = 30 * time.Second
const MaxPollBackoff = 5 * time.Minute
const CatchUpMargin = time.Second
const DefaultPollConcurrency = 10
const DefaultCommandReserve = 2

// reconciliation
const DefaultOptimisticTimeout = 30 * time.Second
const DefaultPushPrecedence = 10 * time.Second
const DefaultShutdownTimeout = 5 * time.Second

// capability types
const CapabilityOnOff = "devices.capabilities.on_off"
const CapabilityToggle = "devices.capabilities.toggle"
const CapabilityRange = "devices.capabilities.range"
const CapabilityColorSetting = "devices.capabilities.color_setting"
const CapabilitySegmentColorSetting = "devices.capabilities.segment_color_setting"
const CapabilityDynamicScene = "devices.capabilities.dynamic_scene"
const CapabilityDIYScene = "devices.capabilities.diy_color_setting"
const CapabilityMusicSetting = "devices.capabilities.music_setting"
const CapabilityOnline = "devices.capabilities.online"
const CapabilityProperty = "devices.capabilities.property"

// capability instances
const InstancePowerSwitch = "powerSwitch"
const InstanceBrightness = "brightness"
const InstanceColorRGB = "colorRgb"
const InstanceColorTemperature = "colorTemperatureK"
const InstanceSegmentedColorRGB = "segmentedColorRgb"
const InstanceSegmentedBrightness = "segmentedBrightness"
const InstanceLightScene = "lightScene"
const InstanceDIYScene = "diyScene"
const InstanceMusicMode = "musicMode"
const InstanceNightlightToggle = "nightlightToggle"
const InstanceGradientToggle = "gradientToggle"
const InstanceOnline = "online"

// device types
const DeviceTypeLight = "devices.types.light"
const DeviceTypeGroup = "devices.types.group"
const DeviceTypeSameModeGroup = "devices.types.same_mode_group"
const DeviceTypeScenicGroup = "devices.types.scenic_group"

// value ranges
const MinColorTemperature = 2000
const MaxColorTemperature = 9000
const MinBrightness = 0
const MaxBrightness = 100
