package epd

// Controller command bytes. Values are fixed by the panel controller.
const (
	cmdPanelSetting     byte = 0x00
	cmdPowerSetting     byte = 0x01
	cmdPowerOff         byte = 0x02
	cmdPowerOn          byte = 0x04
	cmdBoosterSoftStart byte = 0x06
	cmdDeepSleep        byte = 0x07
	cmdDataStart        byte = 0x10 // DATA_START_TRANSMISSION_1
	cmdDisplayRefresh   byte = 0x12
	cmdImageProcess     byte = 0x13 // DATA_START_TRANSMISSION_2
	cmdDualSPI          byte = 0x15
	cmdVCOMInterval     byte = 0x50
	cmdTCONSetting      byte = 0x60
	cmdTCONResolution   byte = 0x61
	cmdGetStatus        byte = 0x71
)

const (
	// deepSleepCheck is the check code the controller requires with 0x07.
	deepSleepCheck byte = 0xA5

	// clearPattern fills both planes when clearing.
	clearPattern byte = 0xAA
)

// Register payloads for the target panel revision. Do not change.
var (
	boosterSoftStartData = []byte{0x17, 0x17, 0x28, 0x18}
	powerSettingData     = []byte{0x07, 0x07, 0x3F, 0x3F}
	panelSettingData     = []byte{0x1F} // KW mode, LUT from OTP
	dualSPIData          = []byte{0x00}
	vcomIntervalData     = []byte{0x29, 0x07}
	tconSettingData      = []byte{0x22}
)
