package bluetooth

const (
	BLUEZ_BUS_NAME             = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE    = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE     = "org.bluez.Device1"
	BLUEZ_GATT_SERVICE_IFACE   = "org.bluez.GattService1"
	BLUEZ_GATT_CHAR_IFACE      = "org.bluez.GattCharacteristic1"
	BLUEZ_OBJECT_PATH          = "/org/bluez"
	DBUS_OBJECT_MANAGER_IFACE  = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_IFACE      = "org.freedesktop.DBus.Properties"
	DBUS_PROPERTIES_CHANGED    = "org.freedesktop.DBus.Properties.PropertiesChanged"
	DBUS_GET_MANAGED_OBJECTS   = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	DBUS_PROPERTIES_GET        = "org.freedesktop.DBus.Properties.Get"
	DefaultAdapterName         = "hci0"
	BLUEZ_ERROR_PREFIX         = "org.bluez.Error."
	BLUEZ_ERROR_NOT_PERMITTED  = "org.bluez.Error.NotPermitted"
	BLUEZ_ERROR_NOT_AUTHORIZED = "org.bluez.Error.NotAuthorized"
	BLUEZ_ERROR_IN_PROGRESS    = "org.bluez.Error.InProgress"
	BLUEZ_ERROR_NOT_READY      = "org.bluez.Error.NotReady"
	BLUEZ_ERROR_FAILED         = "org.bluez.Error.Failed"
	BLUEZ_ERROR_NOT_SUPPORTED  = "org.bluez.Error.NotSupported"
	BLUEZ_ERROR_INVALID_LENGTH = "org.bluez.Error.InvalidValueLength"
	BLUEZ_ERROR_DOES_NOT_EXIST = "org.bluez.Error.DoesNotExist"
	DBUS_ERROR_ACCESS_DENIED   = "org.freedesktop.DBus.Error.AccessDenied"
	DBUS_ERROR_NO_REPLY        = "org.freedesktop.DBus.Error.NoReply"
	DBUS_ERROR_UNKNOWN_OBJECT  = "org.freedesktop.DBus.Error.UnknownObject"
	DBUS_ERROR_SERVICE_UNKNOWN = "org.freedesktop.DBus.Error.ServiceUnknown"
)
